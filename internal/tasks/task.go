// Package tasks implements the dependency-graph execution engine and the
// image processing tasks that run inside it. Tasks publish gocv Mats that
// flow by reference along graph edges; the scheduler releases each buffer
// once its last consumer has finished.
package tasks

import (
	"context"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"
)

// State is the lifecycle state of a task.
type State int32

const (
	StatePending State = iota
	StateReady
	StateRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is a unit of work in the graph. A task never starts before all of
// its dependencies are done, must only read dependency outputs, and
// publishes at most one output buffer.
type Task interface {
	Name() string
	Dependencies() []Task
	Run(ctx context.Context) error
	State() State
	Err() error

	setState(s State)
	fail(err error)
}

// ImageTask is a Task whose output is an image buffer.
type ImageTask interface {
	Task
	// Image returns the published buffer. Valid only between the task
	// reaching StateDone and the scheduler releasing the buffer.
	Image() gocv.Mat
	// ReleaseImage frees the published buffer. Called by the scheduler
	// when no remaining task depends on this one.
	ReleaseImage()
}

// BaseTask carries the bookkeeping shared by all task types.
type BaseTask struct {
	name    string
	deps    []Task
	log     *slog.Logger
	verbose bool

	mu    sync.Mutex
	state State
	err   error
}

func newBaseTask(name string, logger *slog.Logger, verbose bool, deps ...Task) BaseTask {
	return BaseTask{
		name:    name,
		deps:    deps,
		log:     logger,
		verbose: verbose,
	}
}

func (t *BaseTask) Name() string { return t.name }

func (t *BaseTask) Dependencies() []Task { return t.deps }

func (t *BaseTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *BaseTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *BaseTask) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *BaseTask) fail(err error) {
	t.mu.Lock()
	t.state = StateFailed
	t.err = err
	t.mu.Unlock()
}

// BaseImageTask adds output buffer ownership to BaseTask.
type BaseImageTask struct {
	BaseTask

	imgMu    sync.Mutex
	img      gocv.Mat
	hasImage bool
}

func newBaseImageTask(name string, logger *slog.Logger, verbose bool, deps ...Task) BaseImageTask {
	return BaseImageTask{BaseTask: newBaseTask(name, logger, verbose, deps...)}
}

// publish hands ownership of m to the task. Called exactly once at the
// end of a successful Run.
func (t *BaseImageTask) publish(m gocv.Mat) {
	t.imgMu.Lock()
	t.img = m
	t.hasImage = true
	t.imgMu.Unlock()
}

func (t *BaseImageTask) Image() gocv.Mat {
	t.imgMu.Lock()
	defer t.imgMu.Unlock()
	return t.img
}

func (t *BaseImageTask) ReleaseImage() {
	t.imgMu.Lock()
	defer t.imgMu.Unlock()
	if t.hasImage {
		t.img.Close()
		t.hasImage = false
	}
}
