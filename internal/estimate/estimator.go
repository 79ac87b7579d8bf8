// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package estimate

import (
	"github.com/traylinx/tokenmeter/internal/queue"
	"github.com/traylinx/tokenmeter/internal/store"
	"github.com/traylinx/tokenmeter/internal/tokenizer"
)

// Estimate is what the consumer renders: aggregate totals, a calculating
// flag, and per-message detail. Totals only ever sum known values.
type Estimate struct {
	CurrentInputTokens int                `json:"currentInputTokens"`
	ContextTokens      int                `json:"contextTokens"`
	TotalTokens        int                `json:"totalTokens"`
	IsCalculating      bool               `json:"isCalculating"`
	PendingTaskCount   int                `json:"pendingTaskCount"`
	Breakdown          []MessageBreakdown `json:"breakdown,omitempty"`
}

// Estimator binds the analyzer to the computation queue. It is safe to call
// on every relevant state change: each call re-derives required tasks and
// submits only the delta, which the queue dedups against work already
// pending, running, or completed.
type Estimator struct {
	queue                  *queue.Queue
	count                  tokenizer.Func
	largeFileLineThreshold int
}

// NewEstimator wires the facade. count and threshold may be zero-valued to
// select defaults.
func NewEstimator(q *queue.Queue, count tokenizer.Func, largeFileLineThreshold int) *Estimator {
	return &Estimator{
		queue:                  q,
		count:                  count,
		largeFileLineThreshold: largeFileLineThreshold,
	}
}

// Estimate analyzes the current state, submits the missing work, and
// returns the latest known totals.
func (e *Estimator) Estimate(sessionID string, input *Input, contextMessages []store.Message, v tokenizer.Variant, supportsPreview bool) Estimate {
	analysis := Analyze(AnalyzeParams{
		SessionID:              sessionID,
		Input:                  input,
		ContextMessages:        contextMessages,
		Variant:                v,
		SupportsPreviewMode:    supportsPreview,
		LargeFileLineThreshold: e.largeFileLineThreshold,
		Count:                  e.count,
	})

	if len(analysis.PendingTasks) > 0 {
		// Tasks replacing an invalidated cache entry share their id with
		// the run that produced it; drop that memory or the queue would
		// dedup the recomputation away.
		e.queue.InvalidateCompleted(analysis.StaleTaskIDs)
		e.queue.EnqueueBatch(analysis.PendingTasks)
	}

	pendingCount := e.queue.PendingCountForSession(sessionID)
	return Estimate{
		CurrentInputTokens: analysis.CurrentInputTokens,
		ContextTokens:      analysis.ContextTokens,
		TotalTokens:        analysis.CurrentInputTokens + analysis.ContextTokens,
		IsCalculating:      pendingCount > 0,
		PendingTaskCount:   pendingCount,
		Breakdown:          analysis.Breakdown,
	}
}

// EndSession cancels the session's outstanding work. Call on session switch
// or teardown; the session can resume cleanly on the next Estimate call.
func (e *Estimator) EndSession(sessionID string) {
	e.queue.CancelBySession(sessionID)
}

// ForgetSession cancels outstanding work and reclaims the session's
// completed-task memory. Call on permanent deletion.
func (e *Estimator) ForgetSession(sessionID string) {
	e.queue.CancelBySession(sessionID)
	e.queue.ClearCompletedBySession(sessionID)
}

// ContextWindowChanged drops queued work for messages that fell out of the
// visible context window.
func (e *Estimator) ContextWindowChanged(sessionID string, visibleMessageIDs []string) {
	e.queue.RetainOnlyMessages(sessionID, visibleMessageIDs)
}

// ModelChanged drops queued work computed for a different tokenizer variant.
func (e *Estimator) ModelChanged(sessionID string, v tokenizer.Variant) {
	e.queue.RetainOnlyTokenizerType(sessionID, string(v))
}
