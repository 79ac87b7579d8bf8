// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package queue implements the token computation queue: a deduplicating,
// priority-ordered, single-concurrency scheduler for token-count tasks.
// It owns the shared task vocabulary (task kinds, content modes, cache keys)
// used by the executor, the persister, and the estimation facade.
package queue

import (
	"strings"
	"time"

	"github.com/traylinx/tokenmeter/internal/tokenizer"
)

// Kind identifies what a computation task counts tokens for.
type Kind string

const (
	// KindMessageText counts the display text of a stored message.
	KindMessageText Kind = "message-text"

	// KindAttachment counts the content of a file or link attachment.
	KindAttachment Kind = "attachment"
)

// AttachmentKind distinguishes file attachments from link attachments.
type AttachmentKind string

const (
	AttachmentFile AttachmentKind = "file"
	AttachmentLink AttachmentKind = "link"
)

// ContentMode selects whether an attachment count covers the full content or
// only a bounded preview prefix.
type ContentMode string

const (
	ModeFull    ContentMode = "full"
	ModePreview ContentMode = "preview"
)

// CacheKey composes the tokenizer variant and content mode into the cache
// slot identifier stored on messages and attachments. Full-mode keys are the
// bare variant name so pre-preview cache entries stay addressable.
func CacheKey(v tokenizer.Variant, mode ContentMode) string {
	if mode == ModePreview {
		return string(v) + "_preview"
	}
	return string(v)
}

// Task is one unit of required token-count work.
type Task struct {
	// ID is derived from all discriminating fields; two tasks with equal
	// discriminating fields are the same task.
	ID string

	Kind           Kind
	SessionID      string
	MessageID      string
	AttachmentID   string
	AttachmentKind AttachmentKind
	Variant        tokenizer.Variant

	// ContentMode applies to attachment tasks only.
	ContentMode ContentMode

	// Priority orders execution; lower values run first.
	Priority int

	CreatedAt time.Time
}

// NewTask builds a task and assigns its deterministic ID.
func NewTask(t Task) *Task {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.ID = taskID(t.Kind, t.SessionID, t.MessageID, t.AttachmentID, t.Variant, t.ContentMode)
	return &t
}

// taskID is a pure function of the discriminating fields.
func taskID(kind Kind, sessionID, messageID, attachmentID string, v tokenizer.Variant, mode ContentMode) string {
	return strings.Join([]string{string(kind), sessionID, messageID, attachmentID, string(v), string(mode)}, "|")
}

// Result is the structured outcome of a successfully executed task.
type Result struct {
	Task *Task

	Tokens int

	// CalculatedAt is the computation time in Unix milliseconds; it is
	// compared against message mutation timestamps for staleness checks.
	CalculatedAt int64

	// LineCount and ByteLength describe attachment content; both are zero
	// for message-text results and for unretrievable attachment content.
	LineCount  int
	ByteLength int64

	ContentMode ContentMode
}
