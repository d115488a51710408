package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestWaitRunsAllTasks(t *testing.T) {
	c := NewCollector(2)
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		c.Add(func(context.Context) error {
			n.Add(1)
			return nil
		})
	}
	c.Add(nil)
	if c.Len() != 5 {
		t.Fatalf("Len = %d, want 5", c.Len())
	}
	if err := c.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 5 {
		t.Errorf("ran %d tasks, want 5", n.Load())
	}
	if c.Len() != 0 {
		t.Errorf("Len after Wait = %d", c.Len())
	}
}

func TestWaitRunsNestedTasks(t *testing.T) {
	c := NewCollector(0)
	var inner atomic.Bool
	c.Add(func(context.Context) error {
		c.Add(func(context.Context) error {
			inner.Store(true)
			return nil
		})
		return nil
	})
	if err := c.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !inner.Load() {
		t.Error("task registered during Wait did not run")
	}
}

func TestWaitCollectsErrorsAndPanics(t *testing.T) {
	c := NewCollector(0)
	boom := errors.New("boom")
	var ran atomic.Bool
	c.Add(func(context.Context) error { return boom })
	c.Add(func(context.Context) error { panic("bad") })
	c.Add(func(context.Context) error {
		ran.Store(true)
		return nil
	})

	err := c.Wait(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "bad" {
		t.Errorf("panic not reported: %v", err)
	}
	if !ran.Load() {
		t.Error("healthy task skipped after failure")
	}
}
