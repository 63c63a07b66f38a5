package repository

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		source string
		want   ErrorClass
	}{
		{"nil error", nil, "explorer", ""},
		{"429 is transient upstream", errors.New("explorer: http 429: too many requests"), "explorer", ErrClassTransientUpstream},
		{"timeout is transient upstream", errors.New("context deadline exceeded"), "rpc", ErrClassTransientUpstream},
		{"404 is permanent upstream", errors.New("explorer: http 404: not found"), "explorer", ErrClassPermanentUpstream},
		{"connection refused is storage transient", errors.New("dial tcp: connection refused"), "storage", ErrClassStorageTransient},
		{"constraint violation is storage permanent", errors.New("null value in column violates not-null constraint"), "storage", ErrClassStoragePermanent},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err, tt.source); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJobDefaults(t *testing.T) {
	t.Parallel()

	if got := jobTypeOrDefault(""); got != "backfill" {
		t.Errorf("jobTypeOrDefault(\"\") = %q, want backfill", got)
	}
	if got := jobTypeOrDefault("custom"); got != "custom" {
		t.Errorf("jobTypeOrDefault(custom) = %q, want custom", got)
	}
	if got := maxAttemptsOrDefault(0); got != 5 {
		t.Errorf("maxAttemptsOrDefault(0) = %d, want 5", got)
	}
	if got := maxAttemptsOrDefault(3); got != 3 {
		t.Errorf("maxAttemptsOrDefault(3) = %d, want 3", got)
	}
}
