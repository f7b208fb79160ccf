package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerFiresTasks(t *testing.T) {
	r := newRunner(testLogger())
	var ticks atomic.Int64

	r.Start(context.Background(), []Task{{
		Name:  "counter",
		Every: 10 * time.Millisecond,
		Run:   func(context.Context) { ticks.Add(1) },
	}})

	waitFor(t, "task ticks", func() bool { return ticks.Load() >= 3 })
	r.Stop()

	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("task still firing after Stop")
	}
}

func TestRunnerStopTask(t *testing.T) {
	r := newRunner(testLogger())
	var a, b atomic.Int64

	r.Start(context.Background(), []Task{
		{Name: "a", Every: 10 * time.Millisecond, Run: func(context.Context) { a.Add(1) }},
		{Name: "b", Every: 10 * time.Millisecond, Run: func(context.Context) { b.Add(1) }},
	})
	defer r.Stop()

	waitFor(t, "both tasks ticking", func() bool { return a.Load() >= 1 && b.Load() >= 1 })
	r.StopTask("a")

	stopped := a.Load()
	before := b.Load()
	waitFor(t, "task b keeps ticking", func() bool { return b.Load() > before })
	if a.Load() != stopped {
		t.Error("stopped task still firing")
	}
}

func TestRunnerSkipsInvalidTasks(t *testing.T) {
	r := newRunner(testLogger())
	r.Start(context.Background(), []Task{
		{Name: "zero-interval", Every: 0, Run: func(context.Context) { t.Error("zero-interval task ran") }},
		{Name: "nil-run", Every: time.Millisecond},
	})
	time.Sleep(20 * time.Millisecond)
	r.Stop()
}
