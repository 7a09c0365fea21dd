// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log prints leveled diagnostics of the obfuscation tools.
// Messages up to the -vv verbosity go to the standard logger.
// Messages of verbosity 0 and 1 can also be kept in a bounded in-memory history,
// so that a failing tool can show what led to the failure.
package log

import (
	"flag"
	"fmt"
	golog "log"
	"strings"
	"sync"
	"time"
)

// historyLevel is the highest verbosity recorded in the history.
const historyLevel = 1

var (
	flagV       = flag.Int("vv", 0, "verbosity")
	mu          sync.Mutex
	hist        *history
	prependTime = true // for testing
)

// history is a ring of the most recent messages bounded both by count and total size.
// The newest message is always kept.
type history struct {
	lines   []string
	pos     int
	size    int
	maxSize int
}

func (h *history) add(line string) {
	h.size -= len(h.lines[h.pos])
	h.lines[h.pos] = line
	h.size += len(line)
	h.pos = (h.pos + 1) % len(h.lines)
	for i := 0; h.size > h.maxSize && i < len(h.lines)-1; i++ {
		old := (h.pos + i) % len(h.lines)
		h.size -= len(h.lines[old])
		h.lines[old] = ""
	}
}

func (h *history) String() string {
	var sb strings.Builder
	for i := range h.lines {
		if line := h.lines[(h.pos+i)%len(h.lines)]; line != "" {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// KeepHistory starts recording up to maxLines recent messages taking at most maxSize bytes.
// Previously recorded messages are dropped.
func KeepHistory(maxLines, maxSize int) {
	if maxLines < 1 || maxSize < 1 {
		panic(fmt.Sprintf("bad history limits: %v lines, %v bytes", maxLines, maxSize))
	}
	mu.Lock()
	defer mu.Unlock()
	hist = &history{
		lines:   make([]string, maxLines),
		maxSize: maxSize,
	}
}

// History returns the recorded messages, oldest first.
func History() string {
	mu.Lock()
	defer mu.Unlock()
	if hist == nil {
		return ""
	}
	return hist.String()
}

// V reports whether messages of verbosity v are printed.
func V(v int) bool {
	return v <= *flagV
}

func Logf(v int, msg string, args ...interface{}) {
	emit(v, "", msg, args)
}

// Warnf prints the message regardless of the verbosity level.
func Warnf(msg string, args ...interface{}) {
	emit(0, "WARNING: ", msg, args)
}

func emit(v int, prefix, msg string, args []interface{}) {
	text := prefix + fmt.Sprintf(msg, args...)
	if v <= historyLevel {
		mu.Lock()
		if hist != nil {
			line := text
			if prependTime {
				line = time.Now().Format("2006/01/02 15:04:05 ") + line
			}
			hist.add(line)
		}
		mu.Unlock()
	}
	if V(v) {
		golog.Print(text)
	}
}
