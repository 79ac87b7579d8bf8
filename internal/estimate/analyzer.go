// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package estimate

import (
	"github.com/traylinx/tokenmeter/internal/executor"
	"github.com/traylinx/tokenmeter/internal/queue"
	"github.com/traylinx/tokenmeter/internal/store"
	"github.com/traylinx/tokenmeter/internal/tokenizer"
)

// Task priorities; lower is more urgent. Current-input entities beat context
// entities, and within the context the newest turns matter most for an
// accurate "will this fit" signal.
const (
	PriorityCurrentInputText       = 0 // computed inline, never queued
	PriorityCurrentInputAttachment = 1
	PriorityContextTextBase        = 10
	PriorityContextAttachmentBase  = 11
)

// Input is the transient current-input content being composed. Its text
// exists only in UI state, so it is always counted inline; its attachments
// are durable blobs addressed by id and may be resolved asynchronously.
type Input struct {
	// MessageID identifies the draft message holding the attachments.
	MessageID string

	Text        string
	Attachments []store.Attachment
	Links       []store.Attachment
}

// MessageBreakdown reports per-message known totals.
type MessageBreakdown struct {
	MessageID        string `json:"messageId"`
	TextTokens       int    `json:"textTokens"`
	AttachmentTokens int    `json:"attachmentTokens"`
	PendingParts     int    `json:"pendingParts"`
}

// Analysis is the outcome of one requirement pass: known totals plus the
// computation tasks still required. Unknown entities contribute zero until
// a later pass picks up their now-valid cache.
type Analysis struct {
	CurrentInputTokens int
	ContextTokens      int
	PendingTasks       []*queue.Task
	Breakdown          []MessageBreakdown

	// StaleTaskIDs lists the subset of PendingTasks that replace a cache
	// entry that exists but is no longer valid, as opposed to filling an
	// absent one. The queue's completed-task memory must be dropped for
	// these ids or it would suppress the recomputation.
	StaleTaskIDs []string
}

// AnalyzeParams bundle the inputs of one requirement pass.
type AnalyzeParams struct {
	SessionID       string
	Input           *Input
	ContextMessages []store.Message
	Variant         tokenizer.Variant

	// SupportsPreviewMode enables preview-mode counting for large files on
	// models that accept truncated attachments.
	SupportsPreviewMode bool

	// LargeFileLineThreshold overrides the default preview threshold when
	// positive.
	LargeFileLineThreshold int

	// Count overrides the package tokenizer; used in tests.
	Count tokenizer.Func
}

func (p *AnalyzeParams) withDefaults() AnalyzeParams {
	out := *p
	if out.Count == nil {
		out.Count = tokenizer.Count
	}
	if out.LargeFileLineThreshold <= 0 {
		out.LargeFileLineThreshold = executor.LargeFileLineThreshold
	}
	return out
}

// Analyze computes already-known totals and the tasks still required. It is
// pure apart from reading the passed-in state: no I/O, no mutation.
func Analyze(params AnalyzeParams) Analysis {
	p := params.withDefaults()
	analysis := Analysis{}

	if p.Input != nil {
		analysis.CurrentInputTokens = analyzeInput(&analysis, p)
	}

	n := len(p.ContextMessages)
	for i := range p.ContextMessages {
		msg := &p.ContextMessages[i]
		// The newest context message ranks most urgent
		reverseIndex := n - 1 - i
		analysis.ContextTokens += analyzeContextMessage(&analysis, p, msg, reverseIndex)
	}

	return analysis
}

// analyzeInput handles rule 1 (inline text) and the current-input
// attachments, which read from cache but still emit tasks since blob content
// is durable and safe to resolve asynchronously.
func analyzeInput(analysis *Analysis, p AnalyzeParams) int {
	total := p.Count(p.Input.Text, p.Variant)

	for _, list := range [][]store.Attachment{p.Input.Attachments, p.Input.Links} {
		for i := range list {
			att := &list[i]
			tokens, task, stale := analyzeAttachment(p, att, p.Input.MessageID, PriorityCurrentInputAttachment)
			total += tokens
			if task != nil {
				analysis.PendingTasks = append(analysis.PendingTasks, task)
				if stale {
					analysis.StaleTaskIDs = append(analysis.StaleTaskIDs, task.ID)
				}
			}
		}
	}

	return total
}

func analyzeContextMessage(analysis *Analysis, p AnalyzeParams, msg *store.Message, reverseIndex int) int {
	breakdown := MessageBreakdown{MessageID: msg.ID}

	textKey := queue.CacheKey(p.Variant, queue.ModeFull)
	if MessageTextCacheValid(msg, textKey) {
		breakdown.TextTokens = msg.TokenCountMap[textKey]
	} else {
		breakdown.PendingParts++
		task := queue.NewTask(queue.Task{
			Kind:      queue.KindMessageText,
			SessionID: p.SessionID,
			MessageID: msg.ID,
			Variant:   p.Variant,
			Priority:  PriorityContextTextBase + reverseIndex,
		})
		analysis.PendingTasks = append(analysis.PendingTasks, task)
		if _, hadEntry := msg.TokenCountMap[textKey]; hadEntry {
			// An edit invalidated an existing count
			analysis.StaleTaskIDs = append(analysis.StaleTaskIDs, task.ID)
		}
	}

	for _, list := range [][]store.Attachment{msg.Attachments, msg.Links} {
		for i := range list {
			att := &list[i]
			tokens, task, stale := analyzeAttachment(p, att, msg.ID, PriorityContextAttachmentBase+reverseIndex)
			breakdown.AttachmentTokens += tokens
			if task != nil {
				breakdown.PendingParts++
				analysis.PendingTasks = append(analysis.PendingTasks, task)
				if stale {
					analysis.StaleTaskIDs = append(analysis.StaleTaskIDs, task.ID)
				}
			}
		}
	}

	analysis.Breakdown = append(analysis.Breakdown, breakdown)
	return breakdown.TextTokens + breakdown.AttachmentTokens
}

// analyzeAttachment returns the known token contribution and, on a cache
// miss, the task required to fill it plus whether an existing entry went
// stale. Attachments without a storage reference are not yet materialized
// and are skipped entirely.
func analyzeAttachment(p AnalyzeParams, att *store.Attachment, messageID string, priority int) (int, *queue.Task, bool) {
	if att.StorageKey == "" {
		return 0, nil, false
	}

	mode := attachmentContentMode(p, att)
	cacheKey := queue.CacheKey(p.Variant, mode)

	if IsAttachmentCacheValid(att, cacheKey) {
		return att.TokenCountMap[cacheKey], nil, false
	}

	_, hadEntry := att.TokenCountMap[cacheKey]
	return 0, queue.NewTask(queue.Task{
		Kind:           queue.KindAttachment,
		SessionID:      p.SessionID,
		MessageID:      messageID,
		AttachmentID:   att.ID,
		AttachmentKind: queue.AttachmentKind(att.Kind),
		Variant:        p.Variant,
		ContentMode:    mode,
		Priority:       priority,
	}), hadEntry
}

func attachmentContentMode(p AnalyzeParams, att *store.Attachment) queue.ContentMode {
	if p.SupportsPreviewMode && att.LineCount != nil && *att.LineCount > p.LargeFileLineThreshold {
		return queue.ModePreview
	}
	return queue.ModeFull
}
