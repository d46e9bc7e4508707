package workers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type housekeeperStub struct {
	mu           sync.Mutex
	expireBefore []time.Time
	sweepBefore  []time.Time
	expireErr    error
}

func (h *housekeeperStub) Expire(before time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expireBefore = append(h.expireBefore, before)
	return 1, h.expireErr
}

func (h *housekeeperStub) SweepOrphans(before time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepBefore = append(h.sweepBefore, before)
	return 0, nil
}

func (h *housekeeperStub) sweeps() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sweepBefore)
}

func TestJanitor_Sweep_With_TTL(t *testing.T) {
	req := require.New(t)
	stub := &housekeeperStub{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	janitor := NewJanitor(discardLogger(), stub, time.Hour, time.Minute)
	janitor.now = func() time.Time { return now }

	janitor.sweep()

	req.Equal([]time.Time{now.Add(-time.Hour)}, stub.expireBefore)
	req.Equal([]time.Time{now.Add(-time.Minute)}, stub.sweepBefore)
}

func TestJanitor_Zero_TTL_Keeps_Pending(t *testing.T) {
	req := require.New(t)
	stub := &housekeeperStub{}
	janitor := NewJanitor(discardLogger(), stub, 0, time.Minute)

	janitor.sweep()

	req.Empty(stub.expireBefore)
	req.Len(stub.sweepBefore, 1)
}

func TestJanitor_Keeps_Sweeping_After_Errors(t *testing.T) {
	req := require.New(t)
	stub := &housekeeperStub{expireErr: fmt.Errorf("disk gone")}
	janitor := NewJanitor(discardLogger(), stub, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- janitor.Run(ctx) }()

	req.Eventually(func() bool { return stub.sweeps() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	req.ErrorIs(<-done, context.Canceled)
}
