// Package graph executes a migration's operations as a dependency
// graph: topological order, bounded workers, per-operation retry for
// transient failures, skip propagation from failed dependencies.
package graph

import (
	"context"
	"sync"
	"time"

	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/logging"
)

// Status of one operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// EventType labels executor events.
type EventType string

const (
	EventOperationStarted   EventType = "operationStarted"
	EventOperationCompleted EventType = "operationCompleted"
	EventOperationFailed    EventType = "operationFailed"
	EventOperationSkipped   EventType = "operationSkipped"
	EventItemDone           EventType = "itemDone"
)

// Event is emitted for operation transitions and per-item progress.
type Event struct {
	Type        EventType
	OperationID string
	// ItemsDone and ItemsFailed are deltas, not totals.
	ItemsDone   int
	ItemsFailed int
	Err         error
	At          time.Time
}

// Emit publishes item progress from inside an operation body.
type Emit func(done, failed int)

// Operation is one node: a named unit of work over many items.
type Operation struct {
	ID        string
	Name      string
	DependsOn []string
	// Critical failures fail the whole job; non-critical failures only
	// skip dependents.
	Critical bool
	// Retryable operations are re-run on transient failure. The body
	// must be idempotent per item: completed items are not redone.
	Retryable   bool
	MaxAttempts int
	// Weight is this operation's share of overall progress.
	Weight float64
	Run    func(ctx context.Context, emit Emit) error
}

// Result is the end state of one execution.
type Result struct {
	Statuses map[string]Status
	Errs     map[string]error
}

// Failed reports whether any critical operation failed.
func (r *Result) Failed(ops map[string]*Operation) bool {
	for id, st := range r.Statuses {
		if st == StatusFailed && ops[id].Critical {
			return true
		}
	}
	return false
}

// Executor runs one operation graph once.
type Executor struct {
	ops     map[string]*Operation
	order   []string
	workers int
	gate    *Gate
	events  chan Event

	mu       sync.Mutex
	statuses map[string]Status
	errs     map[string]error

	// backoff between operation retries, swappable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor validates the graph (unique ids, known dependencies,
// no cycles) and prepares an executor.
func NewExecutor(ops []Operation, workers int, gate *Gate) (*Executor, error) {
	if workers < 1 {
		workers = 1
	}
	if gate == nil {
		gate = NewGate()
	}

	byID := make(map[string]*Operation, len(ops))
	for i := range ops {
		op := &ops[i]
		if op.ID == "" {
			return nil, errclass.New(errclass.KindValidation, "operation %q has no id", op.Name)
		}
		if _, dup := byID[op.ID]; dup {
			return nil, errclass.New(errclass.KindValidation, "duplicate operation id %q", op.ID)
		}
		if op.MaxAttempts < 1 {
			op.MaxAttempts = 1
		}
		byID[op.ID] = op
	}
	for _, op := range byID {
		for _, dep := range op.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, errclass.New(errclass.KindValidation,
					"operation %q depends on unknown operation %q", op.ID, dep)
			}
		}
	}

	order, err := topoSort(byID)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]Status, len(byID))
	for id := range byID {
		statuses[id] = StatusPending
	}

	return &Executor{
		ops:      byID,
		order:    order,
		workers:  workers,
		gate:     gate,
		events:   make(chan Event, 256),
		statuses: statuses,
		errs:     make(map[string]error),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}, nil
}

// topoSort orders operations so dependencies precede dependents.
func topoSort(ops map[string]*Operation) ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	marks := make(map[string]int, len(ops))
	order := make([]string, 0, len(ops))

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case done:
			return nil
		case visiting:
			return errclass.New(errclass.KindValidation, "operation dependency cycle through %q", id)
		}
		marks[id] = visiting
		for _, dep := range ops[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[id] = done
		order = append(order, id)
		return nil
	}

	for id := range ops {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Events is the executor's event stream; closed when Run returns.
func (e *Executor) Events() <-chan Event { return e.events }

// Gate exposes the pause/cancel control.
func (e *Executor) Gate() *Gate { return e.gate }

// Statuses returns a copy of the current per-operation statuses.
func (e *Executor) Statuses() map[string]Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Status, len(e.statuses))
	for id, st := range e.statuses {
		out[id] = st
	}
	return out
}

// Run walks the graph to completion. It returns the first critical
// failure as an error; non-critical failures only appear in Result.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	defer close(e.events)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	indegree := make(map[string]int, len(e.ops))
	dependents := make(map[string][]string, len(e.ops))
	for id, op := range e.ops {
		indegree[id] = len(op.DependsOn)
		for _, dep := range op.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := make([]string, 0, len(e.ops))
	for _, id := range e.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sem := make(chan struct{}, e.workers)
	finished := make(chan string, len(e.ops))
	blocked := make(map[string]bool, len(e.ops))
	var wg sync.WaitGroup
	var criticalErr error
	remaining := len(e.ops)

	launch := func(id string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.runOp(ctx, e.ops[id])
			finished <- id
		}()
	}

	for remaining > 0 {
		// Launch everything ready while workers are free.
		for len(ready) > 0 {
			select {
			case sem <- struct{}{}:
				id := ready[0]
				ready = ready[1:]
				launch(id)
			default:
			}
			if len(sem) == e.workers {
				break
			}
		}

		var id string
		select {
		case <-ctx.Done():
			wg.Wait()
			if criticalErr != nil {
				return e.result(), criticalErr
			}
			return e.result(), errclass.Wrap(errclass.KindCancelled, ctx.Err(), "operation graph cancelled")
		case id = <-finished:
		}
		remaining--

		e.mu.Lock()
		st := e.statuses[id]
		opErr := e.errs[id]
		e.mu.Unlock()

		if st == StatusFailed && e.ops[id].Critical && criticalErr == nil {
			criticalErr = opErr
			cancel()
		}

		for _, dep := range dependents[id] {
			if st != StatusCompleted {
				blocked[dep] = true
			}
			indegree[dep]--
			if indegree[dep] > 0 {
				continue
			}
			if blocked[dep] {
				// A failed or skipped dependency skips the whole subtree.
				remaining -= e.skip(dep, dependents, indegree, blocked, id)
				continue
			}
			ready = append(ready, dep)
		}
	}

	wg.Wait()
	return e.result(), criticalErr
}

// skip marks op and its exclusively-dependent subtree skipped,
// returning how many operations were settled.
func (e *Executor) skip(id string, dependents map[string][]string, indegree map[string]int, blocked map[string]bool, becauseOf string) int {
	e.mu.Lock()
	e.statuses[id] = StatusSkipped
	e.mu.Unlock()
	e.emit(Event{Type: EventOperationSkipped, OperationID: id, At: time.Now()})
	logging.Info("operation %s skipped (dependency %s did not complete)", id, becauseOf)

	settled := 1
	for _, dep := range dependents[id] {
		blocked[dep] = true
		indegree[dep]--
		if indegree[dep] == 0 {
			settled += e.skip(dep, dependents, indegree, blocked, id)
		}
	}
	return settled
}

func (e *Executor) result() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	statuses := make(map[string]Status, len(e.statuses))
	for id, st := range e.statuses {
		statuses[id] = st
	}
	errs := make(map[string]error, len(e.errs))
	for id, err := range e.errs {
		errs[id] = err
	}
	return &Result{Statuses: statuses, Errs: errs}
}

func (e *Executor) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		// Never block execution on a slow consumer.
	}
}

// runOp executes one operation with bounded retry on transient errors.
func (e *Executor) runOp(ctx context.Context, op *Operation) {
	e.setStatus(op.ID, StatusRunning, nil)
	e.emit(Event{Type: EventOperationStarted, OperationID: op.ID, At: time.Now()})

	emit := func(done, failed int) {
		e.emit(Event{Type: EventItemDone, OperationID: op.ID, ItemsDone: done, ItemsFailed: failed, At: time.Now()})
	}

	maxAttempts := 1
	if op.Retryable {
		maxAttempts = op.MaxAttempts
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			logging.Warn("operation %s retry %d/%d after %s (error: %v)",
				op.ID, attempt-1, maxAttempts-1, backoff, err)
			if serr := e.sleep(ctx, backoff); serr != nil {
				break
			}
		}
		if gerr := e.gate.Checkpoint(ctx); gerr != nil {
			err = gerr
			break
		}

		err = op.Run(ctx, emit)
		if err == nil {
			break
		}
		if !errclass.IsTransient(err) {
			break
		}
	}

	if err != nil {
		e.setStatus(op.ID, StatusFailed, err)
		e.emit(Event{Type: EventOperationFailed, OperationID: op.ID, Err: err, At: time.Now()})
		logging.Error("operation %s failed: %v", op.ID, err)
		return
	}
	e.setStatus(op.ID, StatusCompleted, nil)
	e.emit(Event{Type: EventOperationCompleted, OperationID: op.ID, At: time.Now()})
}

func (e *Executor) setStatus(id string, st Status, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[id] = st
	if err != nil {
		e.errs[id] = err
	}
}
