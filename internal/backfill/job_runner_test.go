package backfill

import (
	"testing"

	"evmindexer/internal/models"
)

func TestEstimateProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		current  uint64
		total    uint64
		want     float64
	}{
		{"zero total", 0, 0, 0},
		{"halfway", 50, 100, 50},
		{"complete", 100, 100, 100},
		{"overshoot clamped", 150, 100, 100},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &models.Contract{CurrentBlock: tt.current, TotalBlocks: tt.total}
			if got := estimateProgress(c); got != tt.want {
				t.Errorf("estimateProgress() = %v, want %v", got, tt.want)
			}
		})
	}
}
