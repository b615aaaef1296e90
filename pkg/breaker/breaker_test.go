package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *time.Time) {
	now := time.Unix(1700000000, 0)
	b := New("test", threshold, timeout)
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
		assert.Equal(t, StateClosed, b.State())
	}
	assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// open rejects without calling through
	called := false
	err := b.Do(func() error { called = true; return nil })
	var open *ErrOpen
	assert.ErrorAs(t, err, &open)
	assert.False(t, called)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.Error(t, b.Do(func() error { return errBoom }))
	assert.Error(t, b.Do(func() error { return errBoom }))
	assert.NoError(t, b.Do(func() error { return nil }))
	// counter was reset, two more failures do not open
	assert.Error(t, b.Do(func() error { return errBoom }))
	assert.Error(t, b.Do(func() error { return errBoom }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	tests := []struct {
		name      string
		probeErr  error
		wantState State
	}{
		{name: "probe succeeds closes", probeErr: nil, wantState: StateClosed},
		{name: "probe fails reopens", probeErr: errBoom, wantState: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, now := newTestBreaker(1, time.Minute)
			assert.Error(t, b.Do(func() error { return errBoom }))
			assert.Equal(t, StateOpen, b.State())

			// before the timeout the call is rejected
			*now = now.Add(30 * time.Second)
			var open *ErrOpen
			assert.ErrorAs(t, b.Do(func() error { return nil }), &open)
			assert.Equal(t, 30*time.Second, open.RetryAfter)

			// after the timeout exactly one probe passes through
			*now = now.Add(31 * time.Second)
			probed := false
			_ = b.Do(func() error { probed = true; return tt.probeErr })
			assert.True(t, probed)
			assert.Equal(t, tt.wantState, b.State())
		})
	}
}
