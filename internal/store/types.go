// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store provides the mutable document store holding chat sessions,
// their messages, and per-message token cache maps. Sessions are persisted
// as JSON documents; SQLite and Postgres backends share the same document
// handling so cache merges never clobber fields owned by the host
// application.
package store

import "time"

// Session is one logical conversation. Messages form the primary timeline;
// Threads hold secondary collections (e.g. side branches) that are searched
// when resolving a message by id.
type Session struct {
	ID        string               `json:"id"`
	Title     string               `json:"title,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	Messages  []Message            `json:"messages"`
	Threads   map[string][]Message `json:"threads,omitempty"`
}

// Message is one conversational turn.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text"`

	// UpdatedAt is set when the text is edited after creation; nil means
	// the content never mutated. Unix milliseconds.
	UpdatedAt *int64 `json:"updatedAt,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
	Links       []Attachment `json:"links,omitempty"`

	// TokenCountMap caches token counts keyed by cache key (tokenizer
	// variant, optionally with a preview suffix). TokenCalculatedAt holds
	// the matching computation timestamps in Unix milliseconds.
	TokenCountMap     map[string]int   `json:"tokenCountMap,omitempty"`
	TokenCalculatedAt map[string]int64 `json:"tokenCalculatedAt,omitempty"`
}

// Attachment is a file or link attached to a message. Attachment content is
// immutable once stored, so its cache entries never go stale; validity is
// purely key presence plus the line/byte metadata both being recorded.
type Attachment struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "file" or "link"
	Name string `json:"name,omitempty"`

	// StorageKey addresses the raw content in the blob store. Empty means
	// the attachment is not yet materialized.
	StorageKey string `json:"storageKey,omitempty"`

	// LineCount and ByteLength are recorded by the token computation; their
	// absence marks pre-upgrade data needing full recomputation.
	LineCount  *int   `json:"lineCount,omitempty"`
	ByteLength *int64 `json:"byteLength,omitempty"`

	TokenCountMap     map[string]int   `json:"tokenCountMap,omitempty"`
	TokenCalculatedAt map[string]int64 `json:"tokenCalculatedAt,omitempty"`
}

// FindAttachment resolves an attachment on the message by kind and id.
// File attachments live in Attachments, link attachments in Links.
func (m *Message) FindAttachment(kind, attachmentID string) *Attachment {
	list := m.Attachments
	if kind == "link" {
		list = m.Links
	}
	for i := range list {
		if list[i].ID == attachmentID {
			return &list[i]
		}
	}
	return nil
}

// CachedTokens returns the cached count and timestamp for a cache key.
func (m *Message) CachedTokens(cacheKey string) (tokens int, calculatedAt int64, ok bool) {
	tokens, ok = m.TokenCountMap[cacheKey]
	if !ok {
		return 0, 0, false
	}
	calculatedAt = m.TokenCalculatedAt[cacheKey]
	return tokens, calculatedAt, true
}

// CachedTokens returns the cached count for a cache key on the attachment.
func (a *Attachment) CachedTokens(cacheKey string) (tokens int, ok bool) {
	tokens, ok = a.TokenCountMap[cacheKey]
	return tokens, ok
}
