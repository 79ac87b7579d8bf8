// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Session documents are patched in place with gjson/sjson rather than
// decoded and re-encoded wholesale: only messages actually changed by an
// update are rewritten, so document fields owned by the host application
// survive untouched even when this core does not know about them.

// messagePaths yields the gjson path of every message element in the
// document: the primary timeline plus all thread collections.
func messagePaths(doc []byte) []string {
	var paths []string

	timeline := gjson.GetBytes(doc, "messages")
	if timeline.IsArray() {
		for i := range timeline.Array() {
			paths = append(paths, fmt.Sprintf("messages.%d", i))
		}
	}

	threads := gjson.GetBytes(doc, "threads")
	if threads.IsObject() {
		threads.ForEach(func(key, value gjson.Result) bool {
			if value.IsArray() {
				for i := range value.Array() {
					paths = append(paths, fmt.Sprintf("threads.%s.%d", escapePathKey(key.String()), i))
				}
			}
			return true
		})
	}

	return paths
}

// escapePathKey protects gjson path metacharacters in thread keys.
func escapePathKey(key string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return replacer.Replace(key)
}

// findMessageRaw locates a message by id and returns its raw JSON and path.
// The timeline is searched before threads.
func findMessageRaw(doc []byte, messageID string) (raw string, path string, found bool) {
	for _, p := range messagePaths(doc) {
		elem := gjson.GetBytes(doc, p)
		if elem.Get("id").String() == messageID {
			return elem.Raw, p, true
		}
	}
	return "", "", false
}

// decodeMessage unmarshals one message element.
func decodeMessage(raw string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message document: %w", err)
	}
	return &msg, nil
}

// applyMessageUpdates runs fn over every message in the document and patches
// back only the messages fn reports as changed. Returns the updated document
// and whether anything changed.
func applyMessageUpdates(doc []byte, fn func(*Message) bool) ([]byte, bool, error) {
	changed := false

	for _, p := range messagePaths(doc) {
		elem := gjson.GetBytes(doc, p)
		msg, err := decodeMessage(elem.Raw)
		if err != nil {
			return nil, false, err
		}

		if !fn(msg) {
			continue
		}

		encoded, err := json.Marshal(msg)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
		}
		doc, err = sjson.SetRawBytes(doc, p, encoded)
		if err != nil {
			return nil, false, fmt.Errorf("failed to patch message %s: %w", msg.ID, err)
		}
		changed = true
	}

	return doc, changed, nil
}

// encodeSession marshals a session document.
func encodeSession(session *Session) ([]byte, error) {
	doc, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}
	return doc, nil
}

// decodeSession unmarshals a session document.
func decodeSession(doc []byte) (*Session, error) {
	var session Session
	if err := json.Unmarshal(doc, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session document: %w", err)
	}
	return &session, nil
}
