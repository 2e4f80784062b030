package dispatch

import (
	"fmt"
	"math"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

// Shared headroom added on top of the per-worker allocation: browser
// executors share a display server and artifact cache.
const (
	headroomVCPU     = 1.0
	headroomMemoryMB = 1024
)

// Per-worker defaults applied when the campaign specifies no profile.
const (
	defaultWorkerVCPU     = 1.0
	defaultWorkerMemoryMB = 2048
)

// Sizing heuristics. A browser executor below these floors tends to starve;
// requests above the backend ceiling get clamped.
const (
	minSensibleWorkerVCPU     = 0.25
	minSensibleWorkerMemoryMB = 512
)

// Shapes bounds the machine profiles a backend accepts.
type Shapes struct {
	MaxVCPU     float64
	MaxMemoryMB int
	// VCPUSteps, when non-empty, lists the discrete vCPU values the backend
	// offers; the derived vCPU is rounded up to the nearest step.
	VCPUSteps []float64
}

// ShapesFor returns the allowed shapes of a backend kind.
func ShapesFor(kind domain.BackendKind) Shapes {
	switch kind {
	case domain.BackendQuickServerless:
		return Shapes{
			MaxVCPU:     8,
			MaxMemoryMB: 32768,
			VCPUSteps:   []float64{1, 2, 4, 8},
		}
	default: // batch pool
		return Shapes{
			MaxVCPU:     96,
			MaxMemoryMB: 393216,
		}
	}
}

// DeriveProfile computes the machine shape for a run: per-worker vCPU and
// memory times the worker count, plus the fixed shared headroom, clamped to
// the backend's allowed shapes. The returned warning is non-empty when the
// request under- or overshoots sizing heuristics; it is informational and
// recorded on the execution.
func DeriveProfile(resource domain.ResourceProfile, parallelism int, shapes Shapes) (domain.MachineProfile, string) {
	workerVCPU := resource.WorkerVCPU
	if workerVCPU <= 0 {
		workerVCPU = defaultWorkerVCPU
	}
	workerMemoryMB := resource.WorkerMemoryMB
	if workerMemoryMB <= 0 {
		workerMemoryMB = defaultWorkerMemoryMB
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	var warning string
	if workerVCPU < minSensibleWorkerVCPU {
		warning = fmt.Sprintf("per-worker vCPU %.2f below recommended minimum %.2f", workerVCPU, minSensibleWorkerVCPU)
	} else if workerMemoryMB < minSensibleWorkerMemoryMB {
		warning = fmt.Sprintf("per-worker memory %dMB below recommended minimum %dMB", workerMemoryMB, minSensibleWorkerMemoryMB)
	}

	vcpu := workerVCPU*float64(parallelism) + headroomVCPU
	memoryMB := workerMemoryMB*parallelism + headroomMemoryMB

	if vcpu > shapes.MaxVCPU {
		if warning == "" {
			warning = fmt.Sprintf("requested %.1f vCPU exceeds backend limit %.1f, clamped", vcpu, shapes.MaxVCPU)
		}
		vcpu = shapes.MaxVCPU
	}
	if memoryMB > shapes.MaxMemoryMB {
		if warning == "" {
			warning = fmt.Sprintf("requested %dMB exceeds backend limit %dMB, clamped", memoryMB, shapes.MaxMemoryMB)
		}
		memoryMB = shapes.MaxMemoryMB
	}

	if len(shapes.VCPUSteps) > 0 {
		vcpu = roundUpToStep(vcpu, shapes.VCPUSteps)
	} else {
		vcpu = math.Ceil(vcpu*4) / 4 // quarter-vCPU granularity
	}

	return domain.MachineProfile{VCPU: vcpu, MemoryMB: memoryMB}, warning
}

func roundUpToStep(v float64, steps []float64) float64 {
	for _, step := range steps {
		if v <= step {
			return step
		}
	}
	return steps[len(steps)-1]
}
