package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one named periodic governance job (rotation, governance, stats
// sample, stats flush, cleanup, identity rotation). All periodic work in the
// subsystem goes through the runner so the concurrency model stays
// auditable.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type runner struct {
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskHandle
	wg    sync.WaitGroup
}

func newRunner(logger *slog.Logger) *runner {
	return &runner{
		logger: logger,
		tasks:  make(map[string]*taskHandle),
	}
}

// Start launches one goroutine per task, each independently cancellable.
func (r *runner) Start(ctx context.Context, tasks []Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, task := range tasks {
		if task.Every <= 0 || task.Run == nil {
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		h := &taskHandle{cancel: cancel, done: make(chan struct{})}
		r.tasks[task.Name] = h

		r.wg.Add(1)
		go func(t Task, tctx context.Context, done chan struct{}) {
			defer r.wg.Done()
			defer close(done)
			ticker := time.NewTicker(t.Every)
			defer ticker.Stop()
			r.logger.Debug("periodic task started",
				slog.String("task", t.Name),
				slog.Duration("every", t.Every),
			)
			for {
				select {
				case <-tctx.Done():
					return
				case <-ticker.C:
					// A tick can already be pending when the task is
					// cancelled; never run the body after cancellation.
					if tctx.Err() != nil {
						return
					}
					t.Run(tctx)
				}
			}
		}(task, taskCtx, h.done)
	}
}

// StopTask cancels a single task by name and waits for its goroutine to
// exit, so the task body cannot run after StopTask returns.
func (r *runner) StopTask(name string) {
	r.mu.Lock()
	h, ok := r.tasks[name]
	if ok {
		delete(r.tasks, name)
	}
	r.mu.Unlock()
	if ok {
		h.cancel()
		<-h.done
	}
}

// Stop cancels every task and waits for the goroutines to exit.
func (r *runner) Stop() {
	r.mu.Lock()
	for name, h := range r.tasks {
		h.cancel()
		delete(r.tasks, name)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
