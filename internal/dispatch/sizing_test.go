package dispatch

import (
	"strings"
	"testing"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

func TestDeriveProfile_BatchPool(t *testing.T) {
	profile, warning := DeriveProfile(
		domain.ResourceProfile{WorkerVCPU: 1, WorkerMemoryMB: 2048},
		10,
		ShapesFor(domain.BackendBatchPool),
	)
	if warning != "" {
		t.Errorf("unexpected warning %q", warning)
	}
	// 1 vCPU x 10 workers + 1 headroom.
	if profile.VCPU != 11 {
		t.Errorf("vcpu = %v, want 11", profile.VCPU)
	}
	// 2048MB x 10 workers + 1024MB headroom.
	if profile.MemoryMB != 21504 {
		t.Errorf("memory = %d, want 21504", profile.MemoryMB)
	}
}

func TestDeriveProfile_ServerlessRoundsToStep(t *testing.T) {
	profile, _ := DeriveProfile(
		domain.ResourceProfile{WorkerVCPU: 0.5, WorkerMemoryMB: 1024},
		2,
		ShapesFor(domain.BackendQuickServerless),
	)
	// 0.5 x 2 + 1 = 2 vCPU, already a step.
	if profile.VCPU != 2 {
		t.Errorf("vcpu = %v, want 2", profile.VCPU)
	}

	profile, _ = DeriveProfile(
		domain.ResourceProfile{WorkerVCPU: 1, WorkerMemoryMB: 1024},
		2,
		ShapesFor(domain.BackendQuickServerless),
	)
	// 1 x 2 + 1 = 3 vCPU, rounded up to the 4-vCPU shape.
	if profile.VCPU != 4 {
		t.Errorf("vcpu = %v, want 4", profile.VCPU)
	}
}

func TestDeriveProfile_ClampsToBackendLimitWithWarning(t *testing.T) {
	profile, warning := DeriveProfile(
		domain.ResourceProfile{WorkerVCPU: 4, WorkerMemoryMB: 8192},
		100,
		ShapesFor(domain.BackendBatchPool),
	)
	if profile.VCPU != 96 {
		t.Errorf("vcpu = %v, want clamped to 96", profile.VCPU)
	}
	if profile.MemoryMB != 393216 {
		t.Errorf("memory = %d, want clamped to 393216", profile.MemoryMB)
	}
	if warning == "" {
		t.Error("expected overshoot warning")
	}
}

func TestDeriveProfile_UndershootWarning(t *testing.T) {
	_, warning := DeriveProfile(
		domain.ResourceProfile{WorkerVCPU: 0.1, WorkerMemoryMB: 2048},
		4,
		ShapesFor(domain.BackendBatchPool),
	)
	if !strings.Contains(warning, "below recommended minimum") {
		t.Errorf("warning = %q, want undershoot warning", warning)
	}
}

func TestDeriveProfile_DefaultsWhenUnspecified(t *testing.T) {
	profile, warning := DeriveProfile(domain.ResourceProfile{}, 4, ShapesFor(domain.BackendBatchPool))
	if warning != "" {
		t.Errorf("unexpected warning %q", warning)
	}
	if profile.VCPU != 5 {
		t.Errorf("vcpu = %v, want 5 (4 x 1 default + headroom)", profile.VCPU)
	}
	if profile.MemoryMB != 4*2048+1024 {
		t.Errorf("memory = %d", profile.MemoryMB)
	}
}
