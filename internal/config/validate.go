package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	// At least one backend must be reachable.
	if cfg.QuickServerlessURL == "" && cfg.BatchPoolURL == "" {
		errs = append(errs, ValidationError{
			Field:   "QUICK_SERVERLESS_URL",
			Message: "at least one of QUICK_SERVERLESS_URL and BATCH_POOL_URL is required",
		})
	}

	if cfg.CredentialBaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "CREDENTIAL_BASE_URL",
			Message: "required",
		})
	}
	if cfg.CredentialSecret == "" {
		errs = append(errs, ValidationError{
			Field:   "CREDENTIAL_SECRET",
			Message: "required",
		})
	}

	errs = append(errs, validateDuration("RECLAIM_INTERVAL", cfg.ReclaimIntervalStr)...)
	errs = append(errs, validateDuration("RECLAIM_STALE_AFTER", cfg.ReclaimStaleAfterStr)...)
	errs = append(errs, validateDuration("RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr)...)
	errs = append(errs, validateDuration("CREDENTIAL_TTL", cfg.CredentialTTLStr)...)

	errs = append(errs, validateCronSpec("BUILD_CRON_SPEC", cfg.BuildCronSpec)...)
	errs = append(errs, validateCronSpec("RECONCILE_CRON", cfg.ReconcileCron)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration: %v", err)}}
	}
	if d <= 0 {
		return ValidationErrors{{Field: field, Message: "must be positive"}}
	}
	return nil
}

func validateCronSpec(field, spec string) ValidationErrors {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid cron spec: %v", err)}}
	}
	return nil
}
