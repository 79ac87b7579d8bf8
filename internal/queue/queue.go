// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Executor resolves a task to its content and computes its token count.
// Implementations must return either a result or a typed *TaskError; they
// must never panic across this boundary.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*Result, error)
}

// ResultSink receives results of settled tasks. The persister implements it.
type ResultSink interface {
	AddResult(result *Result)
}

// Options tune queue behavior. Zero values select defaults.
type Options struct {
	// ConcurrencyLimit bounds in-flight tasks. Default 1: this queue is a
	// background UX enhancement, correctness beats throughput.
	ConcurrencyLimit int

	// InterTaskDelay inserts a fixed pause before each task purely to keep
	// UI-visible progress legible. No correctness role.
	InterTaskDelay time.Duration

	// CompletedHighWater and CompletedLowWater bound the completed-id set:
	// when it exceeds the high-water mark, periodic cleanup retains only
	// the most recently added ids down to the low-water mark.
	CompletedHighWater int
	CompletedLowWater  int

	// CleanupInterval is how often the completed-set bound is enforced.
	CleanupInterval time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.ConcurrencyLimit <= 0 {
		opts.ConcurrencyLimit = 1
	}
	if opts.CompletedHighWater <= 0 {
		opts.CompletedHighWater = 5000
	}
	if opts.CompletedLowWater <= 0 || opts.CompletedLowWater > opts.CompletedHighWater {
		opts.CompletedLowWater = opts.CompletedHighWater * 4 / 5
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	return opts
}

type completedEntry struct {
	seq       uint64
	sessionID string
}

// Queue is the deduplicating priority scheduler for token computation tasks.
// A task id is in at most one of pending/running at any time; completed only
// ever holds ids that settled without their session being cancelled in
// flight. All state is guarded by a single mutex.
type Queue struct {
	executor Executor
	sink     ResultSink
	opts     Options

	mu           sync.Mutex
	pending      []*Task
	running      map[string]*Task
	completed    map[string]completedEntry
	completedSeq uint64
	cancelled    map[string]bool

	listenerMu   sync.Mutex
	listeners    map[int]func()
	nextListener int

	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *time.Ticker
	done    chan struct{}
	started bool
}

// New creates a queue. The queue does not execute anything until Start is
// called; construction and lifecycle belong to the composition root.
func New(executor Executor, sink ResultSink, opts *Options) *Queue {
	return &Queue{
		executor:  executor,
		sink:      sink,
		opts:      opts.withDefaults(),
		running:   make(map[string]*Task),
		completed: make(map[string]completedEntry),
		cancelled: make(map[string]bool),
		listeners: make(map[int]func()),
	}
}

// Start begins draining and launches the periodic completed-set cleanup.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue is already running")
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.ticker = time.NewTicker(q.opts.CleanupInterval)
	q.done = make(chan struct{})
	q.started = true
	q.mu.Unlock()

	go q.cleanupLoop()
	q.drain()
	return nil
}

// Stop halts draining and the cleanup loop. In-flight tasks run to
// completion; their results are still delivered to the sink unless their
// session was cancelled.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.cancel()
	q.ticker.Stop()
	close(q.done)
	q.mu.Unlock()
}

// Enqueue submits one task. It is idempotent per task id: a task already
// pending, running, or recently completed is dropped. Returns whether the
// task was accepted.
func (q *Queue) Enqueue(task *Task) bool {
	accepted := q.enqueueAll([]*Task{task}, false)
	if accepted > 0 {
		q.notify()
		q.drain()
		return true
	}
	return false
}

// EnqueueBatch submits many tasks with a single sort and a single listener
// notification regardless of batch size, and clears the cancelled flag for
// every session appearing in the batch so a reactivated session resumes
// cleanly. Returns the number of tasks accepted.
func (q *Queue) EnqueueBatch(tasks []*Task) int {
	accepted := q.enqueueAll(tasks, true)
	if accepted > 0 {
		q.notify()
		q.drain()
	}
	return accepted
}

func (q *Queue) enqueueAll(tasks []*Task, clearCancelled bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if clearCancelled {
		for _, t := range tasks {
			delete(q.cancelled, t.SessionID)
		}
	}

	pendingIDs := make(map[string]bool, len(q.pending))
	for _, p := range q.pending {
		pendingIDs[p.ID] = true
	}

	accepted := 0
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			continue
		}
		if pendingIDs[t.ID] {
			continue
		}
		if _, ok := q.running[t.ID]; ok {
			continue
		}
		if _, ok := q.completed[t.ID]; ok {
			continue
		}
		pendingIDs[t.ID] = true
		q.pending = append(q.pending, t)
		accepted++
	}

	if accepted > 0 {
		sortPending(q.pending)
	}
	return accepted
}

func sortPending(pending []*Task) {
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
}

// drain pops runnable tasks while capacity allows. Tasks whose session is
// cancelled are dropped silently without consuming capacity.
func (q *Queue) drain() {
	var toRun []*Task

	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	for len(q.running) < q.opts.ConcurrencyLimit && len(q.pending) > 0 {
		task := q.pending[0]
		q.pending = q.pending[1:]
		if q.cancelled[task.SessionID] {
			continue
		}
		q.running[task.ID] = task
		toRun = append(toRun, task)
	}
	ctx := q.ctx
	q.mu.Unlock()

	for _, task := range toRun {
		go q.runTask(ctx, task)
	}
}

func (q *Queue) runTask(ctx context.Context, task *Task) {
	if q.opts.InterTaskDelay > 0 {
		select {
		case <-time.After(q.opts.InterTaskDelay):
		case <-ctx.Done():
		}
	}

	// In-flight work runs to completion even across Stop. Aborting a blob
	// read mid-stream would surface a transport error for content that is
	// perfectly retrievable.
	result, err := q.safeExecute(context.WithoutCancel(ctx), task)

	q.mu.Lock()
	delete(q.running, task.ID)
	sessionCancelled := q.cancelled[task.SessionID]
	if !sessionCancelled && FailureKindOf(err) != FailureInterrupted {
		// Failed tasks are remembered too, otherwise an unresolvable
		// task would be re-derived and retried on every analysis pass.
		// Interrupted tasks are the exception: they produced nothing and
		// must be free to run again.
		q.completedSeq++
		q.completed[task.ID] = completedEntry{seq: q.completedSeq, sessionID: task.SessionID}
	}
	q.mu.Unlock()

	switch {
	case sessionCancelled:
		// Result discarded; the same id may legitimately recompute once
		// the session is reactivated.
	case err != nil:
		if !IsSilent(err) {
			log.WithField("session_id", task.SessionID).Warnf("token computation failed for task %s: %v", task.ID, err)
		}
	case result != nil && q.sink != nil:
		q.sink.AddResult(result)
	}

	q.notify()
	q.drain()
}

// safeExecute guards the executor boundary: a panicking executor settles the
// task as a reported failure instead of killing the drain loop.
func (q *Queue) safeExecute(ctx context.Context, task *Task) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = NewReportedError(FailureContentRetrieval, "executor panic: %v", r)
		}
	}()
	return q.executor.Execute(ctx, task)
}

// CancelBySession removes all pending tasks for the session and flags it
// cancelled so in-flight work early-exits and its result is discarded.
func (q *Queue) CancelBySession(sessionID string) {
	q.mu.Lock()
	removed := q.removePendingLocked(func(t *Task) bool {
		return t.SessionID == sessionID
	})
	q.cancelled[sessionID] = true
	q.mu.Unlock()

	if removed > 0 {
		q.notify()
	}
}

// RetainOnlyMessages drops the session's pending tasks whose message is not
// in the allowed set. Used when the visible context window shrinks.
func (q *Queue) RetainOnlyMessages(sessionID string, allowedMessageIDs []string) {
	allowed := make(map[string]bool, len(allowedMessageIDs))
	for _, id := range allowedMessageIDs {
		allowed[id] = true
	}

	q.mu.Lock()
	removed := q.removePendingLocked(func(t *Task) bool {
		return t.SessionID == sessionID && !allowed[t.MessageID]
	})
	q.mu.Unlock()

	if removed > 0 {
		q.notify()
	}
}

// RetainOnlyTokenizerType drops the session's pending tasks computed for a
// different tokenizer variant. Used when the active model changes.
func (q *Queue) RetainOnlyTokenizerType(sessionID string, variant string) {
	q.mu.Lock()
	removed := q.removePendingLocked(func(t *Task) bool {
		return t.SessionID == sessionID && string(t.Variant) != variant
	})
	q.mu.Unlock()

	if removed > 0 {
		q.notify()
	}
}

// removePendingLocked drops pending tasks matching the predicate and returns
// how many were removed. Caller holds q.mu.
func (q *Queue) removePendingLocked(match func(*Task) bool) int {
	kept := q.pending[:0]
	removed := 0
	for _, t := range q.pending {
		if match(t) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	return removed
}

// ClearCompletedBySession purges the session's completed ids and its
// cancelled flag. Called on permanent session deletion to bound memory.
func (q *Queue) ClearCompletedBySession(sessionID string) {
	q.mu.Lock()
	for id, entry := range q.completed {
		if entry.sessionID == sessionID {
			delete(q.completed, id)
		}
	}
	delete(q.cancelled, sessionID)
	q.mu.Unlock()
}

// InvalidateCompleted forgets completed-task memory for the given ids so a
// resubmission with the same id runs again. Completed memory only means
// "do not recompute while the produced cache entry holds"; when that entry
// is invalidated, the memory must go with it.
func (q *Queue) InvalidateCompleted(ids []string) {
	if len(ids) == 0 {
		return
	}
	q.mu.Lock()
	for _, id := range ids {
		delete(q.completed, id)
	}
	q.mu.Unlock()
}

// IsSessionCancelled reports whether the session is flagged cancelled. The
// executor checks this at entry for cooperative early exit.
func (q *Queue) IsSessionCancelled(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[sessionID]
}

// HasWorkForSession reports whether any task for the session is pending or
// running.
func (q *Queue) HasWorkForSession(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.pending {
		if t.SessionID == sessionID {
			return true
		}
	}
	for _, t := range q.running {
		if t.SessionID == sessionID {
			return true
		}
	}
	return false
}

// PendingCountForSession counts pending and running tasks for the session.
func (q *Queue) PendingCountForSession(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.pending {
		if t.SessionID == sessionID {
			n++
		}
	}
	for _, t := range q.running {
		if t.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Stats is a point-in-time snapshot of queue state sizes.
type Stats struct {
	Pending           int `json:"pending"`
	Running           int `json:"running"`
	Completed         int `json:"completed"`
	CancelledSessions int `json:"cancelled_sessions"`
}

// GetStats returns a snapshot of queue state sizes.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:           len(q.pending),
		Running:           len(q.running),
		Completed:         len(q.completed),
		CancelledSessions: len(q.cancelled),
	}
}

// Subscribe registers a listener invoked after observable state changes.
// The returned function unsubscribes it.
func (q *Queue) Subscribe(fn func()) func() {
	q.listenerMu.Lock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = fn
	q.listenerMu.Unlock()

	return func() {
		q.listenerMu.Lock()
		delete(q.listeners, id)
		q.listenerMu.Unlock()
	}
}

// notify invokes listeners outside the state lock. A throwing listener must
// not prevent the others from running.
func (q *Queue) notify() {
	q.listenerMu.Lock()
	fns := make([]func(), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.listenerMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Debugf("queue listener panicked: %v", r)
				}
			}()
			fn()
		}()
	}
}

func (q *Queue) cleanupLoop() {
	for {
		select {
		case <-q.done:
			return
		case <-q.ticker.C:
			q.cleanupCompleted()
		}
	}
}

// cleanupCompleted trims the completed set from the high-water mark down to
// the low-water mark, retaining the most recently added ids. Ids are
// content-addressed, so an evicted id simply becomes recomputable.
func (q *Queue) cleanupCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.completed) <= q.opts.CompletedHighWater {
		return
	}

	type idSeq struct {
		id  string
		seq uint64
	}
	entries := make([]idSeq, 0, len(q.completed))
	for id, e := range q.completed {
		entries = append(entries, idSeq{id: id, seq: e.seq})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq > entries[j].seq
	})

	for _, e := range entries[q.opts.CompletedLowWater:] {
		delete(q.completed, e.id)
	}
	log.Debugf("queue cleanup trimmed completed set to %d entries", len(q.completed))
}
