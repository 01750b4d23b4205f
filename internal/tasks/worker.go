package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/charlie-x/focus-stack/internal/logging"
)

// Observer is notified when a task reaches a terminal state. Used by the
// run-history store; failures inside the observer are the observer's
// problem, not the scheduler's.
type Observer func(name string, state State, duration time.Duration, err error)

// Worker executes a task graph with a bounded pool of goroutines.
//
// Readiness, failure propagation and buffer release all happen under one
// mutex: a task is enqueued when its last dependency completes, dependents
// of a failed task are failed without running, and a task's output buffer
// is released as soon as every task that listed it as a dependency has
// reached a terminal state.
type Worker struct {
	log      *slog.Logger
	threads  int
	observer Observer
}

// NewWorker creates a worker pool scheduler. threads < 1 falls back to 1.
func NewWorker(threads int, logger *slog.Logger) *Worker {
	if threads < 1 {
		threads = 1
	}
	return &Worker{log: logger, threads: threads}
}

// SetObserver registers a terminal-state callback.
func (w *Worker) SetObserver(fn Observer) { w.observer = fn }

type node struct {
	task       Task
	dependents []Task
	waiting    int // dependencies not yet done
	consumers  int // dependents not yet terminal; 0 means buffer can go
}

type runState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	nodes     map[Task]*node
	queue     []Task
	remaining int
	firstErr  error
}

// RunAll executes every task in all to completion or failure. It returns
// the first task error encountered; independent branches still drain
// after a failure. The graph is validated for acyclicity and completeness
// before any task runs.
func (w *Worker) RunAll(ctx context.Context, all []Task) error {
	if err := ValidateGraph(all); err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}

	rs := &runState{
		nodes:     make(map[Task]*node, len(all)),
		remaining: len(all),
	}
	rs.cond = sync.NewCond(&rs.mu)

	for _, t := range all {
		rs.nodes[t] = &node{task: t, waiting: len(t.Dependencies())}
	}
	for _, t := range all {
		for _, dep := range t.Dependencies() {
			dn := rs.nodes[dep]
			dn.dependents = append(dn.dependents, t)
			dn.consumers++
		}
	}

	rs.mu.Lock()
	for _, t := range all {
		if rs.nodes[t].waiting == 0 {
			t.setState(StateReady)
			rs.queue = append(rs.queue, t)
		}
	}
	rs.mu.Unlock()

	var wg sync.WaitGroup
	threads := w.threads
	if threads > len(all) {
		threads = len(all)
	}
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runLoop(ctx, rs)
		}()
	}
	wg.Wait()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.firstErr
}

func (w *Worker) runLoop(ctx context.Context, rs *runState) {
	for {
		rs.mu.Lock()
		for len(rs.queue) == 0 && rs.remaining > 0 {
			rs.cond.Wait()
		}
		if rs.remaining == 0 {
			rs.mu.Unlock()
			return
		}
		t := rs.queue[0]
		rs.queue = rs.queue[1:]
		t.setState(StateRunning)
		rs.mu.Unlock()

		var err error
		start := time.Now()
		if err = ctx.Err(); err == nil {
			logging.LogTaskStart(w.log, t.Name())
			err = t.Run(ctx)
		}
		duration := time.Since(start)

		if err != nil {
			logging.LogTaskError(w.log, t.Name(), duration, err)
		} else {
			logging.LogTaskComplete(w.log, t.Name(), duration)
		}
		if w.observer != nil {
			state := StateDone
			if err != nil {
				state = StateFailed
			}
			w.observer(t.Name(), state, duration, err)
		}

		rs.mu.Lock()
		w.complete(rs, t, err)
		rs.mu.Unlock()
	}
}

// complete finalizes t under rs.mu, wakes dependents and reclaims buffers.
func (w *Worker) complete(rs *runState, t Task, err error) {
	if err != nil {
		t.fail(err)
		if rs.firstErr == nil {
			rs.firstErr = fmt.Errorf("task %q: %w", t.Name(), err)
		}
		w.settle(rs, t)
		w.failDependents(rs, t)
		return
	}

	t.setState(StateDone)
	w.settle(rs, t)
	for _, dep := range rs.nodes[t].dependents {
		dn := rs.nodes[dep]
		dn.waiting--
		if dn.waiting == 0 && dep.State() == StatePending {
			dep.setState(StateReady)
			rs.queue = append(rs.queue, dep)
			rs.cond.Signal()
		}
	}
}

// settle counts t as terminal and releases any dependency buffer whose
// consumers have all finished.
func (w *Worker) settle(rs *runState, t Task) {
	rs.remaining--
	for _, dep := range t.Dependencies() {
		dn := rs.nodes[dep]
		dn.consumers--
		if dn.consumers == 0 {
			if img, ok := dep.(ImageTask); ok {
				img.ReleaseImage()
				w.log.Debug("released buffer", "task", dep.Name())
			}
		}
	}
	if rs.remaining == 0 {
		rs.cond.Broadcast()
	}
}

// failDependents marks every transitive dependent of t as failed without
// scheduling it. Tasks already terminal (a dependent shared with another
// failed branch) are left alone.
func (w *Worker) failDependents(rs *runState, t Task) {
	for _, dep := range rs.nodes[t].dependents {
		s := dep.State()
		if s == StateDone || s == StateFailed {
			continue
		}
		err := fmt.Errorf("dependency %q failed", t.Name())
		dep.fail(err)
		if w.observer != nil {
			w.observer(dep.Name(), StateFailed, 0, err)
		}
		w.settle(rs, dep)
		w.failDependents(rs, dep)
	}
}

// ValidateGraph checks that every dependency of every task is part of the
// set and that the dependency relation is acyclic. Both are
// graph-construction bugs and are rejected before anything runs.
func ValidateGraph(all []Task) error {
	present := make(map[Task]struct{}, len(all))
	for _, t := range all {
		present[t] = struct{}{}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // finished
	)
	color := make(map[Task]int, len(all))

	var visit func(t Task) error
	visit = func(t Task) error {
		switch color[t] {
		case gray:
			return fmt.Errorf("dependency cycle involving task %q", t.Name())
		case black:
			return nil
		}
		color[t] = gray
		for _, dep := range t.Dependencies() {
			if _, ok := present[dep]; !ok {
				return fmt.Errorf("task %q depends on %q which is not in the graph", t.Name(), dep.Name())
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[t] = black
		return nil
	}

	for _, t := range all {
		if err := visit(t); err != nil {
			return err
		}
	}
	return nil
}
