// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/tokenmeter/internal/tokenizer"
)

// stubExecutor records execution order and can block tasks until released.
type stubExecutor struct {
	mu       sync.Mutex
	executed []*Task
	block    chan struct{} // when non-nil, Execute waits on it
	err      error
}

func (s *stubExecutor) Execute(ctx context.Context, task *Task) (*Result, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.executed = append(s.executed, task)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &Result{Task: task, Tokens: 42, CalculatedAt: time.Now().UnixMilli()}, nil
}

func (s *stubExecutor) order() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, len(s.executed))
	copy(out, s.executed)
	return out
}

// stubSink collects delivered results.
type stubSink struct {
	mu      sync.Mutex
	results []*Result
}

func (s *stubSink) AddResult(r *Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *stubSink) all() []*Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Result, len(s.results))
	copy(out, s.results)
	return out
}

func textTask(session, message string, priority int) *Task {
	return NewTask(Task{
		Kind:      KindMessageText,
		SessionID: session,
		MessageID: message,
		Variant:   tokenizer.VariantDefault,
		Priority:  priority,
	})
}

func attachmentTask(session, message, attachment string, mode ContentMode, priority int) *Task {
	return NewTask(Task{
		Kind:           KindAttachment,
		SessionID:      session,
		MessageID:      message,
		AttachmentID:   attachment,
		AttachmentKind: AttachmentFile,
		Variant:        tokenizer.VariantDefault,
		ContentMode:    mode,
		Priority:       priority,
	})
}

func TestTaskID_Deterministic(t *testing.T) {
	a := textTask("s1", "m1", 10)
	b := textTask("s1", "m1", 99) // priority is not discriminating
	assert.Equal(t, a.ID, b.ID)

	c := textTask("s1", "m2", 10)
	assert.NotEqual(t, a.ID, c.ID)

	full := attachmentTask("s1", "m1", "a1", ModeFull, 1)
	preview := attachmentTask("s1", "m1", "a1", ModePreview, 1)
	assert.NotEqual(t, full.ID, preview.ID)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "default", CacheKey(tokenizer.VariantDefault, ModeFull))
	assert.Equal(t, "default_preview", CacheKey(tokenizer.VariantDefault, ModePreview))
	assert.Equal(t, "claude", CacheKey(tokenizer.VariantClaude, ModeFull))
	assert.Equal(t, "claude_preview", CacheKey(tokenizer.VariantClaude, ModePreview))
}

func TestEnqueue_DedupIdempotent(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)

	// Same discriminating fields enqueued many times collapse to one entry
	for i := 0; i < 10; i++ {
		q.Enqueue(textTask("s1", "m1", 10))
	}

	stats := q.GetStats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Running)
}

func TestEnqueueBatch_DedupAcrossBatchAndExisting(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)
	q.Enqueue(textTask("s1", "m1", 10))

	accepted := q.EnqueueBatch([]*Task{
		textTask("s1", "m1", 10), // duplicate of existing pending
		textTask("s1", "m2", 11),
		textTask("s1", "m2", 11), // duplicate within batch
		textTask("s1", "m3", 12),
	})

	assert.Equal(t, 2, accepted)
	assert.Equal(t, 3, q.GetStats().Pending)
}

func TestEnqueueBatch_SingleNotification(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)

	var notifications int
	var mu sync.Mutex
	unsubscribe := q.Subscribe(func() {
		mu.Lock()
		notifications++
		mu.Unlock()
	})
	defer unsubscribe()

	tasks := make([]*Task, 0, 50)
	for i := 0; i < 50; i++ {
		tasks = append(tasks, textTask("s1", "m"+string(rune('a'+i%26))+string(rune('0'+i/26)), 10+i))
	}
	q.EnqueueBatch(tasks)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, notifications, "batch enqueue must coalesce into one notification")
}

func TestEnqueueBatch_ClearsCancelledFlag(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)

	q.CancelBySession("s1")
	require.True(t, q.IsSessionCancelled("s1"))

	q.EnqueueBatch([]*Task{textTask("s1", "m1", 10)})
	assert.False(t, q.IsSessionCancelled("s1"), "batch enqueue reactivates the session")
}

func TestQueue_PriorityOrdering(t *testing.T) {
	exec := &stubExecutor{}
	sink := &stubSink{}
	q := New(exec, sink, nil)

	// Enqueue before Start so ordering is decided purely by the sort
	q.EnqueueBatch([]*Task{
		textTask("s1", "m-low", 30),
		textTask("s1", "m-high", 1),
		attachmentTask("s1", "m-high", "a1", ModeFull, 2),
		textTask("s1", "m-mid", 11),
		textTask("s1", "m-mid2", 12),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 5
	}, 5*time.Second, 10*time.Millisecond)

	order := exec.order()
	require.Len(t, order, 5)
	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, order[i-1].Priority, order[i].Priority,
			"tasks must drain in non-decreasing priority order")
	}
	assert.Equal(t, "m-high", order[0].MessageID)
}

func TestQueue_TiesBrokenByCreatedAt(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)

	base := time.Now()
	older := NewTask(Task{Kind: KindMessageText, SessionID: "s1", MessageID: "older",
		Variant: tokenizer.VariantDefault, Priority: 10, CreatedAt: base})
	newer := NewTask(Task{Kind: KindMessageText, SessionID: "s1", MessageID: "newer",
		Variant: tokenizer.VariantDefault, Priority: 10, CreatedAt: base.Add(time.Second)})

	q.EnqueueBatch([]*Task{newer, older})

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.pending, 2)
	assert.Equal(t, "older", q.pending[0].MessageID)
}

func TestCancelBySession_RemovesPendingAndFlags(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)

	q.EnqueueBatch([]*Task{
		textTask("s1", "m1", 10),
		textTask("s1", "m2", 11),
		textTask("s2", "m3", 10),
	})

	q.CancelBySession("s1")

	assert.Equal(t, 1, q.GetStats().Pending, "only the other session's task remains")
	assert.True(t, q.IsSessionCancelled("s1"))
	assert.False(t, q.IsSessionCancelled("s2"))
}

func TestCancellationIsolation(t *testing.T) {
	release := make(chan struct{})
	exec := &stubExecutor{block: release}
	sink := &stubSink{}
	q := New(exec, sink, &Options{ConcurrencyLimit: 1})

	taskA := textTask("session-a", "ma", 1)
	taskB := textTask("session-b", "mb", 2)
	q.EnqueueBatch([]*Task{taskA, taskB})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	// taskA is now in flight and blocked; cancel its session mid-flight
	require.Eventually(t, func() bool {
		return q.GetStats().Running == 1
	}, 5*time.Second, 10*time.Millisecond)
	q.CancelBySession("session-a")

	close(release)

	require.Eventually(t, func() bool {
		return q.GetStats().Running == 0 && q.GetStats().Pending == 0
	}, 5*time.Second, 10*time.Millisecond)

	// B settled normally; A's in-flight result was discarded and its id is
	// not remembered as completed
	results := sink.all()
	require.Len(t, results, 1)
	assert.Equal(t, "session-b", results[0].Task.SessionID)
	assert.Equal(t, 1, q.GetStats().Completed)

	q.mu.Lock()
	_, aCompleted := q.completed[taskA.ID]
	_, bCompleted := q.completed[taskB.ID]
	q.mu.Unlock()
	assert.False(t, aCompleted, "cancelled work must not poison the completed set")
	assert.True(t, bCompleted)
}

func TestDrain_SkipsCancelledPending(t *testing.T) {
	exec := &stubExecutor{}
	sink := &stubSink{}
	q := New(exec, sink, nil)

	q.EnqueueBatch([]*Task{textTask("s1", "m1", 10), textTask("s2", "m2", 11)})

	// Flag s1 cancelled after enqueue; its pending task is already removed,
	// so only s2's task should execute once the queue starts
	q.CancelBySession("s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 1
	}, 5*time.Second, 10*time.Millisecond)

	order := exec.order()
	require.Len(t, order, 1)
	assert.Equal(t, "s2", order[0].SessionID)
}

func TestRetainOnlyMessages(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)

	q.EnqueueBatch([]*Task{
		textTask("s1", "m1", 10),
		textTask("s1", "m2", 11),
		textTask("s1", "m3", 12),
		textTask("s2", "m9", 10),
	})

	q.RetainOnlyMessages("s1", []string{"m2"})

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.pending, 2)
	for _, task := range q.pending {
		if task.SessionID == "s1" {
			assert.Equal(t, "m2", task.MessageID)
		}
	}
}

func TestRetainOnlyTokenizerType(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)

	defaultTask := textTask("s1", "m1", 10)
	claudeTask := NewTask(Task{
		Kind: KindMessageText, SessionID: "s1", MessageID: "m2",
		Variant: tokenizer.VariantClaude, Priority: 11,
	})
	otherSession := NewTask(Task{
		Kind: KindMessageText, SessionID: "s2", MessageID: "m3",
		Variant: tokenizer.VariantClaude, Priority: 10,
	})
	q.EnqueueBatch([]*Task{defaultTask, claudeTask, otherSession})

	q.RetainOnlyTokenizerType("s1", "claude")

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.pending, 2)
	for _, task := range q.pending {
		if task.SessionID == "s1" {
			assert.Equal(t, tokenizer.VariantClaude, task.Variant)
		}
	}
}

func TestClearCompletedBySession(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)

	q.mu.Lock()
	q.completed["id-a"] = completedEntry{seq: 1, sessionID: "s1"}
	q.completed["id-b"] = completedEntry{seq: 2, sessionID: "s1"}
	q.completed["id-c"] = completedEntry{seq: 3, sessionID: "s2"}
	q.cancelled["s1"] = true
	q.mu.Unlock()

	q.ClearCompletedBySession("s1")

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.completed, 1)
	_, ok := q.completed["id-c"]
	assert.True(t, ok)
	assert.False(t, q.cancelled["s1"])
}

func TestCompletedSuppressesResubmission(t *testing.T) {
	exec := &stubExecutor{}
	q := New(exec, &stubSink{}, nil)

	task := textTask("s1", "m1", 10)
	q.Enqueue(task)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Re-enqueueing the same logical task is a no-op
	accepted := q.Enqueue(textTask("s1", "m1", 10))
	assert.False(t, accepted)
	assert.Equal(t, 0, q.GetStats().Pending)
	assert.Len(t, exec.order(), 1)
}

func TestListenerPanicIsolation(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, nil)

	var secondCalled bool
	var mu sync.Mutex
	q.Subscribe(func() { panic("listener bug") })
	q.Subscribe(func() {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
	})

	q.Enqueue(textTask("s1", "m1", 10))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, secondCalled, "one bad listener must not starve the others")

	// Queue state stays usable
	assert.Equal(t, 1, q.GetStats().Pending)
}

func TestCleanupCompleted_Bounds(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, &Options{
		CompletedHighWater: 10,
		CompletedLowWater:  5,
	})

	q.mu.Lock()
	for i := 0; i < 20; i++ {
		q.completedSeq++
		q.completed[textTask("s1", "m"+string(rune('a'+i)), 10).ID] = completedEntry{
			seq: q.completedSeq, sessionID: "s1",
		}
	}
	q.mu.Unlock()

	q.cleanupCompleted()

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.completed, 5)

	// The most recently added ids survive
	for _, e := range q.completed {
		assert.Greater(t, e.seq, uint64(15))
	}
}

func TestCleanupCompleted_NoopBelowHighWater(t *testing.T) {
	q := New(&stubExecutor{}, &stubSink{}, &Options{
		CompletedHighWater: 10,
		CompletedLowWater:  5,
	})

	q.mu.Lock()
	for i := 0; i < 10; i++ {
		q.completedSeq++
		q.completed[textTask("s1", "m"+string(rune('a'+i)), 10).ID] = completedEntry{
			seq: q.completedSeq, sessionID: "s1",
		}
	}
	q.mu.Unlock()

	q.cleanupCompleted()

	assert.Equal(t, 10, q.GetStats().Completed)
}

func TestExecutorFailure_StillSettlesAndRemembers(t *testing.T) {
	exec := &stubExecutor{err: NewReportedError(FailureMissingStorageReference, "attachment a1 has no storage key")}
	sink := &stubSink{}
	q := New(exec, sink, nil)

	q.Enqueue(attachmentTask("s1", "m1", "a1", ModeFull, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 1
	}, 5*time.Second, 10*time.Millisecond)

	// No result delivered, but the id is remembered so the failure is not
	// retried on every analysis pass
	assert.Empty(t, sink.all())
	assert.False(t, q.Enqueue(attachmentTask("s1", "m1", "a1", ModeFull, 1)))
}

func TestInvalidateCompletedAllowsRerun(t *testing.T) {
	exec := &stubExecutor{}
	q := New(exec, &stubSink{}, nil)

	task := textTask("s1", "m1", 10)
	q.Enqueue(task)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, q.Enqueue(textTask("s1", "m1", 10)))

	// Once the cache entry this run produced is invalidated (e.g. the
	// message was edited), the id must be free to run again
	q.InvalidateCompleted([]string{task.ID})
	assert.True(t, q.Enqueue(textTask("s1", "m1", 10)))

	require.Eventually(t, func() bool {
		return len(exec.order()) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

// ctxProbeExecutor records the state of the execution context when released.
type ctxProbeExecutor struct {
	release chan struct{}
	running chan struct{}
	ctxErr  chan error
}

func (s *ctxProbeExecutor) Execute(ctx context.Context, task *Task) (*Result, error) {
	close(s.running)
	<-s.release
	s.ctxErr <- ctx.Err()
	return &Result{Task: task, Tokens: 7, CalculatedAt: time.Now().UnixMilli()}, nil
}

func TestStopDoesNotCancelInFlightTask(t *testing.T) {
	exec := &ctxProbeExecutor{
		release: make(chan struct{}),
		running: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	sink := &stubSink{}
	q := New(exec, sink, nil)

	q.Enqueue(textTask("s1", "m1", 10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	<-exec.running
	q.Stop()
	close(exec.release)

	// The in-flight task keeps a live context across Stop and its result
	// still reaches the sink
	select {
	case err := <-exec.ctxErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInterruptedTaskIsNotRemembered(t *testing.T) {
	exec := &stubExecutor{err: NewSilentError(FailureInterrupted, "content fetch interrupted for attachment a1")}
	sink := &stubSink{}
	q := New(exec, sink, nil)

	q.Enqueue(attachmentTask("s1", "m1", "a1", ModeFull, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		return len(exec.order()) == 1 && q.GetStats().Running == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The interruption produced nothing, so the id stays eligible
	assert.Equal(t, 0, q.GetStats().Completed)
	assert.Empty(t, sink.all())
	assert.True(t, q.Enqueue(attachmentTask("s1", "m1", "a1", ModeFull, 1)))
}
