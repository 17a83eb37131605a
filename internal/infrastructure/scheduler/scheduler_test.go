package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsJobAfterInterval(t *testing.T) {
	s := New()
	defer s.Stop()

	var runs atomic.Int32
	done := make(chan struct{}, 1)
	err := s.Every("consistency", 20*time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 1 {
			done <- struct{}{}
		}
		return errors.New("ignored")
	})
	if err != nil {
		t.Fatalf("Every() error = %v", err)
	}
	s.Start()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}
}

func TestEveryRejectsNonPositiveInterval(t *testing.T) {
	s := New()
	defer s.Stop()
	if err := s.Every("consistency", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if s.Len() != 0 {
		t.Fatalf("no job should be registered")
	}
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New()
	s.Stop()
	if s.ctx.Err() == nil {
		t.Fatalf("expected job context to be cancelled")
	}
}
