// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package executor resolves computation tasks to their underlying content
// and runs the tokenizer over it. It never panics or throws across the
// queue boundary: every outcome is a result or a typed failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/tokenmeter/internal/blob"
	"github.com/traylinx/tokenmeter/internal/queue"
	"github.com/traylinx/tokenmeter/internal/store"
	"github.com/traylinx/tokenmeter/internal/tokenizer"
)

const (
	// LargeFileLineThreshold is the line count above which an attachment is
	// counted in preview mode when the model supports it.
	LargeFileLineThreshold = 500

	// PreviewLineCount is how many leading lines a preview count covers.
	PreviewLineCount = 200

	// previewWrapperOverheadTokens estimates the cost of the truncation
	// marker that replaces the elided remainder in a real prompt.
	previewWrapperOverheadTokens = 8
)

// SessionCancelChecker reports whether a session has been cancelled. The
// queue implements it; the check is cooperative, not a hard abort.
type SessionCancelChecker interface {
	IsSessionCancelled(sessionID string) bool
}

// Executor implements queue.Executor against the document and blob stores.
type Executor struct {
	store     store.DocumentStore
	blobs     blob.Store
	count     tokenizer.Func
	cancelled SessionCancelChecker
}

// New wires an executor. count may be nil, in which case the package default
// tokenizer is used.
func New(docs store.DocumentStore, blobs blob.Store, count tokenizer.Func, cancelled SessionCancelChecker) *Executor {
	if count == nil {
		count = tokenizer.Count
	}
	return &Executor{store: docs, blobs: blobs, count: count, cancelled: cancelled}
}

// SetCancelChecker installs the session cancel checker after construction.
// The queue consumes the executor and also provides the checker, so the
// composition root wires it last, before the queue starts.
func (e *Executor) SetCancelChecker(cancelled SessionCancelChecker) {
	e.cancelled = cancelled
}

// Execute resolves the task's entity and computes its token count.
func (e *Executor) Execute(ctx context.Context, task *queue.Task) (*queue.Result, error) {
	if e.cancelled != nil && e.cancelled.IsSessionCancelled(task.SessionID) {
		return nil, queue.NewSilentError(queue.FailureSessionCancelled, "session %s cancelled", task.SessionID)
	}

	msg, err := e.store.GetMessage(ctx, task.SessionID, task.MessageID)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, queue.NewSilentError(queue.FailureInterrupted, "lookup interrupted for message %s", task.MessageID).WithCause(err)
		}
		return nil, classifyLookupError(task, err)
	}

	switch task.Kind {
	case queue.KindMessageText:
		return e.executeMessageText(task, msg), nil
	case queue.KindAttachment:
		return e.executeAttachment(ctx, task, msg)
	default:
		return nil, queue.NewReportedError(queue.FailureContentRetrieval, "unknown task kind %q", task.Kind)
	}
}

func classifyLookupError(task *queue.Task, err error) error {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return queue.NewSilentError(queue.FailureSessionNotFound, "session %s no longer exists", task.SessionID).WithCause(err)
	case errors.Is(err, store.ErrMessageNotFound):
		return queue.NewSilentError(queue.FailureMessageNotFound, "message %s no longer exists", task.MessageID).WithCause(err)
	default:
		return queue.NewReportedError(queue.FailureContentRetrieval, "failed to resolve message %s", task.MessageID).WithCause(err)
	}
}

func (e *Executor) executeMessageText(task *queue.Task, msg *store.Message) *queue.Result {
	return &queue.Result{
		Task:         task,
		Tokens:       e.count(msg.Text, task.Variant),
		CalculatedAt: time.Now().UnixMilli(),
	}
}

func (e *Executor) executeAttachment(ctx context.Context, task *queue.Task, msg *store.Message) (*queue.Result, error) {
	att := msg.FindAttachment(string(task.AttachmentKind), task.AttachmentID)
	if att == nil {
		return nil, queue.NewSilentError(queue.FailureAttachmentNotFound, "attachment %s no longer exists on message %s", task.AttachmentID, task.MessageID)
	}
	if att.StorageKey == "" {
		return nil, queue.NewReportedError(queue.FailureMissingStorageReference, "attachment %s has no storage reference", task.AttachmentID)
	}

	content, err := e.blobs.GetContent(ctx, att.StorageKey)
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// An interrupted fetch says nothing about the content itself; the
		// permanent zero-token entry is reserved for content that is
		// genuinely gone. Recompute on the next analysis pass.
		return nil, queue.NewSilentError(queue.FailureInterrupted, "content fetch interrupted for attachment %s", task.AttachmentID).WithCause(err)
	}
	if err != nil || len(content) == 0 {
		// Unretrievable or empty content is cached permanently as zero
		// tokens; retrying forever would stall the queue.
		if err != nil && !errors.Is(err, blob.ErrNotFound) {
			log.WithField("session_id", task.SessionID).Debugf("blob fetch failed for attachment %s: %v", task.AttachmentID, err)
		}
		return &queue.Result{
			Task:         task,
			Tokens:       0,
			CalculatedAt: time.Now().UnixMilli(),
			ContentMode:  task.ContentMode,
		}, nil
	}

	text := string(content)
	lineCount := countLines(text)
	byteLength := int64(len(content))

	tokens := 0
	if task.ContentMode == queue.ModePreview {
		tokens = e.count(wrapAttachment(att.Name, string(task.AttachmentKind), truncateLines(text, PreviewLineCount)), task.Variant)
		tokens += previewWrapperOverheadTokens
	} else {
		tokens = e.count(wrapAttachment(att.Name, string(task.AttachmentKind), text), task.Variant)
	}

	return &queue.Result{
		Task:         task,
		Tokens:       tokens,
		CalculatedAt: time.Now().UnixMilli(),
		LineCount:    lineCount,
		ByteLength:   byteLength,
		ContentMode:  task.ContentMode,
	}, nil
}

// wrapAttachment embeds content between the positional markers used when an
// attachment is spliced into a real prompt, so the count reflects what the
// model would actually receive.
func wrapAttachment(name, kind, content string) string {
	var b strings.Builder
	b.Grow(len(content) + 64)
	fmt.Fprintf(&b, "<attachment name=%q kind=%q>\n", name, kind)
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("</attachment>")
	return b.String()
}

// countLines counts newline-delimited lines; a trailing newline does not add
// an empty final line.
func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

// truncateLines keeps the first max lines of text.
func truncateLines(text string, max int) string {
	if max <= 0 {
		return ""
	}
	count := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			count++
			if count == max {
				return text[:i+1]
			}
		}
	}
	return text
}
