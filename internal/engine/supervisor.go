package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// inspectInterval is how often the supervisor checks its tasks.
var inspectInterval = 5 * time.Second

// Task is one long-lived loop under supervision. Run is expected to block
// until its context is cancelled; returning earlier, with or without an
// error, gets the task restarted on the next inspection.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type taskState struct {
	done chan struct{}
}

// Supervisor keeps a fixed set of tasks alive. A task that returns or
// panics is logged with its stack and relaunched immediately at the next
// inspection, with no backoff: these loops are cheap to restart and the
// trader is worse off with any of them down.
type Supervisor struct {
	logger *slog.Logger
}

func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger.With("component", "supervisor")}
}

// Run launches every task and supervises until ctx is cancelled, then
// waits for all tasks to finish.
func (s *Supervisor) Run(ctx context.Context, tasks []Task) {
	states := make([]*taskState, len(tasks))
	for i := range tasks {
		states[i] = s.launch(ctx, tasks[i])
	}

	ticker := time.NewTicker(inspectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, st := range states {
				<-st.done
			}
			s.logger.Info("all tasks stopped")
			return
		case <-ticker.C:
			for i := range tasks {
				select {
				case <-states[i].done:
					s.logger.Warn("task exited, restarting", "task", tasks[i].Name)
					states[i] = s.launch(ctx, tasks[i])
				default:
				}
			}
		}
	}
}

func (s *Supervisor) launch(ctx context.Context, t Task) *taskState {
	st := &taskState{done: make(chan struct{})}
	go func() {
		defer close(st.done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("task panicked",
					"task", t.Name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		if err := t.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("task failed", "task", t.Name, "error", err)
		}
	}()
	return st
}
