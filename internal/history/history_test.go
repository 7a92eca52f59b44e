package history

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	got    []Event
	err    error
	closed bool
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func (r *recordingSink) Close() error { r.closed = true; return nil }

type plainSink struct{ n int }

func (p *plainSink) Send(context.Context, Event) error { p.n++; return nil }

func TestFanoutSendsToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("disk full")}
	plain := &plainSink{}
	f := Fanout{bad, ok, plain}

	err := f.Send(context.Background(), Event{Type: EventRestart, Worker: "/a.py"})
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, ok.got, 1, "a failing sink must not starve the others")
	assert.Equal(t, 1, plain.n)

	assert.NoError(t, f.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}

func TestFormatPIDs(t *testing.T) {
	assert.Equal(t, "None", FormatPIDs(nil))
	assert.Equal(t, "7", FormatPIDs([]int32{7}))
	assert.Equal(t, "1, 2, 3", FormatPIDs([]int32{1, 2, 3}))
}
