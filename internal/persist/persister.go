// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package persist accumulates computed token counts and merges them back
// into the document store. Writes are throttled: the first result after an
// idle period flushes immediately, and bursts collapse into one trailing
// flush per throttle window, bounding both write latency and write
// amplification.
package persist

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/tokenmeter/internal/queue"
	"github.com/traylinx/tokenmeter/internal/store"
)

// DefaultThrottleWindow bounds how long a computed result may sit unflushed.
const DefaultThrottleWindow = 500 * time.Millisecond

type cacheEntry struct {
	tokens       int
	calculatedAt int64
}

type attachmentUpdate struct {
	kind       queue.AttachmentKind
	entries    map[string]cacheEntry // by cache key
	lineCount  int
	byteLength int64
	hasMeta    bool
}

// pendingUpdate accumulates results for one (session, message) pair between
// flushes. Distinct cache keys never overwrite each other; the same cache
// key is last-merge-wins.
type pendingUpdate struct {
	sessionID   string
	messageID   string
	text        map[string]cacheEntry        // by cache key
	attachments map[string]*attachmentUpdate // by attachment id
}

// Persister buffers results and applies them to the store in batched
// per-session read-modify-writes.
type Persister struct {
	docs   store.DocumentStore
	window time.Duration

	mu        sync.Mutex
	pending   map[string]*pendingUpdate // by sessionID+"\x00"+messageID
	timer     *time.Timer
	lastFlush time.Time

	// flushMu serializes flushes so FlushNow can await an in-progress one
	flushMu sync.Mutex

	listenerMu   sync.Mutex
	listeners    map[int]func()
	nextListener int
}

// New creates a persister writing to docs. A throttleWindow of 0 selects the
// default.
func New(docs store.DocumentStore, throttleWindow time.Duration) *Persister {
	if throttleWindow <= 0 {
		throttleWindow = DefaultThrottleWindow
	}
	return &Persister{
		docs:      docs,
		window:    throttleWindow,
		pending:   make(map[string]*pendingUpdate),
		listeners: make(map[int]func()),
	}
}

// AddResult merges a computed result into the working set and schedules a
// flush. Implements queue.ResultSink.
func (p *Persister) AddResult(result *queue.Result) {
	if result == nil || result.Task == nil {
		return
	}
	task := result.Task

	p.mu.Lock()
	key := task.SessionID + "\x00" + task.MessageID
	pu, ok := p.pending[key]
	if !ok {
		pu = &pendingUpdate{
			sessionID:   task.SessionID,
			messageID:   task.MessageID,
			text:        make(map[string]cacheEntry),
			attachments: make(map[string]*attachmentUpdate),
		}
		p.pending[key] = pu
	}

	switch task.Kind {
	case queue.KindMessageText:
		cacheKey := queue.CacheKey(task.Variant, queue.ModeFull)
		pu.text[cacheKey] = cacheEntry{tokens: result.Tokens, calculatedAt: result.CalculatedAt}
	case queue.KindAttachment:
		au, ok := pu.attachments[task.AttachmentID]
		if !ok {
			au = &attachmentUpdate{
				kind:    task.AttachmentKind,
				entries: make(map[string]cacheEntry),
			}
			pu.attachments[task.AttachmentID] = au
		}
		cacheKey := queue.CacheKey(task.Variant, result.ContentMode)
		au.entries[cacheKey] = cacheEntry{tokens: result.Tokens, calculatedAt: result.CalculatedAt}
		au.lineCount = result.LineCount
		au.byteLength = result.ByteLength
		au.hasMeta = true
	}

	p.scheduleLocked()
	p.mu.Unlock()
}

// scheduleLocked decides between an immediate leading-edge flush and a
// trailing flush at the window boundary. Caller holds p.mu.
func (p *Persister) scheduleLocked() {
	if p.timer != nil {
		// A trailing flush is already scheduled; it will pick this up
		return
	}
	elapsed := time.Since(p.lastFlush)
	if elapsed >= p.window {
		p.lastFlush = time.Now()
		go p.flush(context.Background())
		return
	}
	p.timer = time.AfterFunc(p.window-elapsed, func() {
		p.mu.Lock()
		p.timer = nil
		p.lastFlush = time.Now()
		p.mu.Unlock()
		p.flush(context.Background())
	})
}

// FlushNow forces an out-of-band flush. It first awaits any in-progress
// flush, so a caller observing no pending work afterwards is not lied to.
func (p *Persister) FlushNow(ctx context.Context) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.flush(ctx)
}

// PendingCount returns the number of buffered (session, message) updates.
func (p *Persister) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// flush writes out the current working set, one read-modify-write per
// session. A failure for one session is logged and does not abort the
// others. Subscribers are notified once after all groups are attempted.
func (p *Persister) flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	updates := p.pending
	p.pending = make(map[string]*pendingUpdate)
	p.mu.Unlock()

	if len(updates) == 0 {
		return
	}

	bySession := make(map[string]map[string]*pendingUpdate)
	for _, pu := range updates {
		group, ok := bySession[pu.sessionID]
		if !ok {
			group = make(map[string]*pendingUpdate)
			bySession[pu.sessionID] = group
		}
		group[pu.messageID] = pu
	}

	for sessionID, group := range bySession {
		if err := p.flushSession(ctx, sessionID, group); err != nil {
			if queue.IsSilent(err) || store.IsNotFound(err) {
				// The session vanished under us; nothing to persist
				continue
			}
			log.WithField("session_id", sessionID).Warnf("failed to persist token counts: %v", err)
		}
	}

	p.notify()
}

func (p *Persister) flushSession(ctx context.Context, sessionID string, group map[string]*pendingUpdate) error {
	return p.docs.UpdateMessages(ctx, sessionID, func(m *store.Message) bool {
		pu, ok := group[m.ID]
		if !ok {
			return false
		}
		return applyUpdate(m, pu)
	})
}

// applyUpdate merges one pending update into a message, never replacing
// unrelated, previously cached entries.
func applyUpdate(m *store.Message, pu *pendingUpdate) bool {
	changed := false

	for cacheKey, entry := range pu.text {
		if m.TokenCountMap == nil {
			m.TokenCountMap = make(map[string]int)
		}
		if m.TokenCalculatedAt == nil {
			m.TokenCalculatedAt = make(map[string]int64)
		}
		m.TokenCountMap[cacheKey] = entry.tokens
		m.TokenCalculatedAt[cacheKey] = entry.calculatedAt
		changed = true
	}

	for attachmentID, au := range pu.attachments {
		att := m.FindAttachment(string(au.kind), attachmentID)
		if att == nil {
			// Deleted concurrently; expected churn
			continue
		}
		for cacheKey, entry := range au.entries {
			if att.TokenCountMap == nil {
				att.TokenCountMap = make(map[string]int)
			}
			if att.TokenCalculatedAt == nil {
				att.TokenCalculatedAt = make(map[string]int64)
			}
			att.TokenCountMap[cacheKey] = entry.tokens
			att.TokenCalculatedAt[cacheKey] = entry.calculatedAt
			changed = true
		}
		if au.hasMeta {
			lineCount := au.lineCount
			byteLength := au.byteLength
			att.LineCount = &lineCount
			att.ByteLength = &byteLength
			changed = true
		}
	}

	return changed
}

// Subscribe registers a listener invoked after each flush. The returned
// function unsubscribes it.
func (p *Persister) Subscribe(fn func()) func() {
	p.listenerMu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = fn
	p.listenerMu.Unlock()

	return func() {
		p.listenerMu.Lock()
		delete(p.listeners, id)
		p.listenerMu.Unlock()
	}
}

func (p *Persister) notify() {
	p.listenerMu.Lock()
	fns := make([]func(), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.listenerMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Debugf("persister listener panicked: %v", r)
				}
			}()
			fn()
		}()
	}
}
