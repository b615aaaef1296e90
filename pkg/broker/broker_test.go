package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skillpod/sandbox-broker/pkg/broker/config"
	"github.com/skillpod/sandbox-broker/pkg/store"
	"github.com/skillpod/sandbox-broker/pkg/store/memory"
	"github.com/skillpod/sandbox-broker/pkg/upstream"
)

// fakeUpstream is a scriptable upstream.Client for loop tests.
type fakeUpstream struct {
	mu       sync.Mutex
	accounts []upstream.Account
	listErr  error

	deleteResult upstream.DeleteResult
	deleteErr    error
	// failFirst makes the first n Delete calls fail transiently.
	failFirst int

	deleted []string
	calls   int
}

func (f *fakeUpstream) ListActive(context.Context) ([]upstream.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]upstream.Account(nil), f.accounts...), nil
}

func (f *fakeUpstream) Delete(_ context.Context, externalID string) (upstream.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFirst > 0 {
		f.failFirst--
		return upstream.TransientFailure, fmt.Errorf("upstream unavailable")
	}
	if f.deleteErr != nil {
		return upstream.TransientFailure, f.deleteErr
	}
	f.deleted = append(f.deleted, externalID)
	return f.deleteResult, nil
}

func (f *fakeUpstream) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// testFixture bundles a broker over the memory store with a frozen clock
// and no-op sleeps.
type testFixture struct {
	broker   *Broker
	store    *memory.Store
	upstream *fakeUpstream
	now      time.Time
}

func newFixture(opts config.Options) *testFixture {
	st := memory.New()
	up := &fakeUpstream{}
	now := time.Unix(1700000000, 0)
	st.SetClock(func() int64 { return now.Unix() })

	b := New(st, up, opts)
	b.clock = func() time.Time { return now }
	b.sleep = func(context.Context, time.Duration) error { return nil }
	return &testFixture{broker: b, store: st, upstream: up, now: now}
}

// advance moves the fixture clock forward for both broker and store.
func (f *testFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.store.SetClock(func() int64 { return f.now.Unix() })
	f.broker.clock = func() time.Time { return f.now }
}

func (f *testFixture) seed(id string, status store.Status, mutate ...func(*store.Sandbox)) *store.Sandbox {
	sb := &store.Sandbox{
		SandboxID:        id,
		Name:             "sbx-" + id,
		ExternalID:       "arn:csp:sandbox/" + id,
		Status:           status,
		LabDurationHours: f.broker.opts.LabDurationHours,
	}
	for _, m := range mutate {
		m(sb)
	}
	if err := f.store.Put(context.Background(), sb); err != nil {
		panic(err)
	}
	return sb
}
