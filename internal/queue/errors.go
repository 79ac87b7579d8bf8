// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a computation task could not produce a count.
type FailureKind string

const (
	// FailureSessionCancelled means the owning session was cancelled while
	// the task was pending or running. Expected during normal navigation.
	FailureSessionCancelled FailureKind = "session-cancelled"

	// FailureSessionNotFound means the session no longer exists in the
	// document store. Expected churn from concurrent deletion.
	FailureSessionNotFound FailureKind = "session-not-found"

	// FailureMessageNotFound means the message no longer exists. Expected
	// churn from concurrent deletion.
	FailureMessageNotFound FailureKind = "message-not-found"

	// FailureAttachmentNotFound means the attachment no longer exists on
	// its message. Expected churn.
	FailureAttachmentNotFound FailureKind = "attachment-not-found"

	// FailureMissingStorageReference means an attachment record carries no
	// storage key; this indicates a data-integrity problem upstream.
	FailureMissingStorageReference FailureKind = "missing-storage-reference"

	// FailureInterrupted means the task's I/O was cut short by context
	// cancellation. The outcome says nothing about the content; the task
	// is not remembered as completed so it can run again.
	FailureInterrupted FailureKind = "interrupted"

	// FailureContentRetrieval means blob content could not be fetched. The
	// executor recovers this into a zero-token success; the kind exists for
	// store implementations to report the underlying condition.
	FailureContentRetrieval FailureKind = "content-retrieval-failed"

	// FailurePersistenceWrite means a flush of computed results failed for
	// one session.
	FailurePersistenceWrite FailureKind = "persistence-write-failed"
)

// TaskError is the typed failure of a computation task. Silent failures are
// expected operational churn and must never surface as user-facing errors.
type TaskError struct {
	Kind   FailureKind
	Silent bool
	msg    string
	cause  error
}

// NewSilentError builds a TaskError for an expected condition.
func NewSilentError(kind FailureKind, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: kind, Silent: true, msg: fmt.Sprintf(format, args...)}
}

// NewReportedError builds a TaskError that should be logged as a warning.
func NewReportedError(kind FailureKind, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: kind, Silent: false, msg: fmt.Sprintf(format, args...)}
}

// WithCause attaches the underlying error for unwrapping.
func (e *TaskError) WithCause(err error) *TaskError {
	e.cause = err
	return e
}

func (e *TaskError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *TaskError) Unwrap() error {
	return e.cause
}

// IsSilent reports whether err is a TaskError flagged as expected churn.
func IsSilent(err error) bool {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Silent
	}
	return false
}

// FailureKindOf extracts the failure kind, or "" for untyped errors.
func FailureKindOf(err error) FailureKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
