package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/internal/config"
	"github.com/zhouzirui/z-relay/internal/router"
)

type fakeTrigger struct {
	mu    sync.Mutex
	calls []int64
	busy  map[int64]bool
	fail  map[int64]error
}

func (f *fakeTrigger) TriggerProactive(_ context.Context, userID, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	if f.busy[userID] {
		return router.ErrUserBusy
	}
	return f.fail[userID]
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNewRejectsInvalidCron(t *testing.T) {
	_, err := New(config.ScheduleConfig{Cron: "every day please"}, &fakeTrigger{}, nil)
	assert.Error(t, err)

	s, err := New(config.ScheduleConfig{}, &fakeTrigger{}, nil)
	require.NoError(t, err)
	assert.False(t, s.Enabled())
}

func TestNextTick(t *testing.T) {
	s, err := New(config.ScheduleConfig{Cron: "0 9 * * *", Targets: []int64{1}}, &fakeTrigger{}, nil)
	require.NoError(t, err)

	next, err := s.Next(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, next.Equal(time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)), next.String())
}

func TestFireSkipsBusyUsers(t *testing.T) {
	trig := &fakeTrigger{
		busy: map[int64]bool{2: true},
		fail: map[int64]error{3: errors.New("closed")},
	}
	s, err := New(config.ScheduleConfig{Cron: "@hourly", Targets: []int64{1, 2, 3, 4}}, trig, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Fire(context.Background()))
	assert.Equal(t, []int64{1, 2, 3, 4}, trig.calls)
}

func TestRunFiresOnTick(t *testing.T) {
	trig := &fakeTrigger{}
	// 距离下一分钟仅剩 20ms
	clock := func() time.Time { return time.Date(2025, 5, 1, 10, 0, 59, 980_000_000, time.UTC) }
	s, err := New(config.ScheduleConfig{Cron: "* * * * *", Targets: []int64{7}}, trig, nil, WithClock(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return trig.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunDisabledWaitsForCancel(t *testing.T) {
	s, err := New(config.ScheduleConfig{Cron: "* * * * *"}, &fakeTrigger{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}
