package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordHasProgress(t *testing.T) {
	tests := []struct {
		name  string
		stamp time.Time
		want  bool
	}{
		{"zero", time.Time{}, false},
		{"epoch", NoProgress, false},
		{"epoch in another zone", NoProgress.In(time.FixedZone("KST", 9*3600)), false},
		{"worker stamp", time.Date(2024, 9, 4, 12, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Record{LastTimestamp: tt.stamp}.HasProgress())
		})
	}
}
