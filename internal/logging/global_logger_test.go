// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFormatter_BasicEntry(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Logger:  log.StandardLogger(),
		Time:    time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		Level:   log.InfoLevel,
		Message: "queue drained\n",
		Data:    log.Fields{},
	}

	out, err := formatter.Format(entry)
	require.NoError(t, err)

	line := string(out)
	assert.Contains(t, line, "[2026-01-15 10:30:00]")
	assert.Contains(t, line, "[info ]")
	assert.Contains(t, line, "[--------]")
	assert.Contains(t, line, "queue drained")
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.False(t, strings.HasSuffix(line, "\n\n"))
}

func TestLogFormatter_SessionIDAndFields(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Logger:  log.StandardLogger(),
		Time:    time.Now(),
		Level:   log.WarnLevel,
		Message: "flush failed",
		Data: log.Fields{
			"session_id": "s-a1b2c3d4",
			"variant":    "default",
		},
	}

	out, err := formatter.Format(entry)
	require.NoError(t, err)

	line := string(out)
	assert.Contains(t, line, "[s-a1b2c3d4]")
	// logrus reports "warning"; the formatter shortens it
	assert.Contains(t, line, "[warn ]")
	assert.Contains(t, line, "variant=default")
	// session_id must not be duplicated into the trailing field list
	assert.Equal(t, 1, strings.Count(line, "s-a1b2c3d4"))
}

func TestConfigureLogOutput_FileAndBack(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, ConfigureLogOutput(true, dir))
	log.Info("file mode entry")
	require.NoError(t, ConfigureLogOutput(false, ""))
}
