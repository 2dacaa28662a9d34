package validation

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidator_CollectsAllErrors(t *testing.T) {
	cv := NewConfigValidator("ReplicatorConfig")
	cv.Required("URL", "").
		Positive("ChangeBatchSize", 0).
		RangeInt("MaxRedirects", 11, 0, 10).
		MinDuration("CheckpointSaveDelay", 0, time.Millisecond).
		OneOf("Mode", "sideways", "one-shot", "continuous")

	if got := len(cv.Errors()); got != 5 {
		t.Fatalf("expected 5 errors, got %d: %v", got, cv.Errors())
	}
	err := cv.Validate()
	if err == nil || !strings.Contains(err.Error(), "5 errors") {
		t.Errorf("unexpected combined error: %v", err)
	}
	if !strings.Contains(err.Error(), "ReplicatorConfig.URL") {
		t.Errorf("expected field name in error, got %v", err)
	}
}

func TestConfigValidator_SingleError(t *testing.T) {
	err := NewConfigValidator("C").NonNegative("MaxRetries", -1).Validate()
	if err == nil || err.Error() != "C.MaxRetries: value -1 must be non-negative" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfigValidator_When(t *testing.T) {
	proxy := ""
	cv := NewConfigValidator("C")
	cv.When(false, func(v *ConfigValidator) { v.Required("Proxy.URL", proxy) })
	if cv.HasErrors() {
		t.Error("When(false) must not run validations")
	}
	cv.When(true, func(v *ConfigValidator) { v.Required("Proxy.URL", proxy) })
	if !cv.HasErrors() {
		t.Error("When(true) must run validations")
	}
}

func TestConfigValidator_Valid(t *testing.T) {
	err := NewConfigValidator("C").
		Required("URL", "ws://h/db").
		Positive("ChangeBatchSize", 200).
		OneOf("Mode", "continuous", "one-shot", "continuous").
		Validate()
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestDefaultOr(t *testing.T) {
	if DefaultOr("", "agent") != "agent" {
		t.Error("DefaultOr should fall back for zero string")
	}
	if DefaultOrInt(-3, 200) != 200 || DefaultOrInt(50, 200) != 50 {
		t.Error("DefaultOrInt mismatch")
	}
	if DefaultOrDuration(0, 5*time.Second) != 5*time.Second {
		t.Error("DefaultOrDuration mismatch")
	}
}
