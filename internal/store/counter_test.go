package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextLogCount(t *testing.T) {
	day := time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		prev string
		want string
	}{
		{"", "07/05-01 | 1"},
		{"garbage", "07/05-01 | 1"},
		{HeartbeatLog, "07/05-01 | 1"},
		{"07/05-01 | 1", "07/05-02 | 2"},
		{"07/05-09 | 9", "07/05-10 | 10"},
		{"06/05-14 | 14", "07/05-01 | 1"},
		{"07/05-03 | x", "07/05-01 | 1"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NextLogCount(tc.prev, day), "prev=%q", tc.prev)
	}
}

func TestBumpLogCounter(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC)

	got, err := BumpLogCounter(ctx, s, now)
	require.NoError(t, err)
	assert.Equal(t, "07/05-01 | 1", got)

	got, err = BumpLogCounter(ctx, s, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "07/05-02 | 2", got)

	rec, err := s.Get(ctx, LogCounterCode)
	require.NoError(t, err)
	assert.Equal(t, "07/05-02 | 2", rec.Log)
	assert.False(t, rec.Alert)
	assert.Equal(t, now.Add(time.Hour), rec.LastTimestamp)
}
