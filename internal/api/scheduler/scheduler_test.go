package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type mockMaintainer struct {
	resets  atomic.Int64
	expires atomic.Int64
	err     error
	panics  bool
}

func (m *mockMaintainer) ResetDuePeriods(_ context.Context, _ time.Time) (int64, error) {
	if m.panics {
		panic("boom")
	}
	m.resets.Add(1)
	return 1, m.err
}

func (m *mockMaintainer) ExpireEnded(_ context.Context, _ time.Time) (int64, error) {
	m.expires.Add(1)
	return 0, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestSchedulerRunsImmediatelyAndPeriodically(t *testing.T) {
	m := &mockMaintainer{}
	s := New(m, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for m.resets.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d resets after 2s", m.resets.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if m.expires.Load() == 0 {
		t.Error("ExpireEnded never called")
	}
}

func TestSchedulerSurvivesErrors(t *testing.T) {
	m := &mockMaintainer{err: errors.New("db down")}
	s := New(m, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if m.resets.Load() < 2 {
		t.Errorf("loop stopped after error, resets = %d", m.resets.Load())
	}
}

func TestSchedulerSurvivesPanics(t *testing.T) {
	m := &mockMaintainer{panics: true}
	s := New(m, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// tick 里的 panic 不应终止进程或循环。
	s.Run(ctx)
}
