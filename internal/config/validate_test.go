package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		DatabaseURL:        "postgres://localhost/fsrunner",
		QuickServerlessURL: "https://qs.internal",
		CredentialBaseURL:  "https://artifacts.internal",
		CredentialSecret:   "secret",
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}

	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error should mention DATABASE_URL: %q", err.Error())
	}
}

func TestValidate_NoBackends(t *testing.T) {
	cfg := validConfig()
	cfg.QuickServerlessURL = ""
	cfg.BatchPoolURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error when both backend URLs are empty")
	}
	if !strings.Contains(err.Error(), "QUICK_SERVERLESS_URL") {
		t.Errorf("error should mention QUICK_SERVERLESS_URL: %q", err.Error())
	}
}

func TestValidate_BatchPoolOnlyIsEnough(t *testing.T) {
	cfg := validConfig()
	cfg.QuickServerlessURL = ""
	cfg.BatchPoolURL = "https://pool.internal"

	if err := Validate(cfg); err != nil {
		t.Errorf("batch pool alone should satisfy the backend requirement, got: %v", err)
	}
}

func TestValidate_MissingCredentialSettings(t *testing.T) {
	cfg := validConfig()
	cfg.CredentialBaseURL = ""
	cfg.CredentialSecret = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors for missing credential settings")
	}
	if !strings.Contains(err.Error(), "CREDENTIAL_BASE_URL") || !strings.Contains(err.Error(), "CREDENTIAL_SECRET") {
		t.Errorf("error should mention both credential fields: %q", err.Error())
	}
}

func TestValidate_InvalidDurations(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"non-parseable reclaim interval", func(c *Config) { c.ReclaimIntervalStr = "invalid" }, "invalid duration"},
		{"negative stale after", func(c *Config) { c.ReclaimStaleAfterStr = "-1s" }, "must be positive"},
		{"zero reconcile threshold", func(c *Config) { c.ReconcileThresholdStr = "0s" }, "must be positive"},
		{"non-parseable credential ttl", func(c *Config) { c.CredentialTTLStr = "soon" }, "invalid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_InvalidCronSpecs(t *testing.T) {
	for _, field := range []string{"build", "reconcile"} {
		t.Run(field, func(t *testing.T) {
			cfg := validConfig()
			if field == "build" {
				cfg.BuildCronSpec = "not a cron spec"
			} else {
				cfg.ReconcileCron = "61 * * * *"
			}

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error for invalid cron spec")
			}
			if !strings.Contains(err.Error(), "invalid cron spec") {
				t.Errorf("error %q should mention invalid cron spec", err.Error())
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = "" // missing
	cfg.ReclaimIntervalStr = "invalid"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}

	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(errs) != 2 {
		t.Errorf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "DATABASE_URL", Message: "required"}
	got := err.Error()
	want := "DATABASE_URL: required"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	// Single error
	single := ValidationErrors{{Field: "F1", Message: "M1"}}
	if single.Error() != "F1: M1" {
		t.Errorf("single error = %q, want 'F1: M1'", single.Error())
	}

	// Multiple errors
	multi := ValidationErrors{
		{Field: "F1", Message: "M1"},
		{Field: "F2", Message: "M2"},
	}
	got := multi.Error()
	if !strings.Contains(got, "2 validation errors") {
		t.Errorf("multi error should contain '2 validation errors': %q", got)
	}
	if !strings.Contains(got, "F1: M1") || !strings.Contains(got, "F2: M2") {
		t.Errorf("multi error should contain both errors: %q", got)
	}

	// Empty
	empty := ValidationErrors{}
	if empty.Error() != "" {
		t.Errorf("empty errors should return empty string, got %q", empty.Error())
	}
}
