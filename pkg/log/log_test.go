// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistory(t *testing.T) {
	KeepHistory(4, 20)
	prependTime = false
	tests := []struct{ str, want string }{
		{"", ""},
		{"a", "a\n"},
		{"bb", "a\nbb\n"},
		{"ccc", "a\nbb\nccc\n"},
		{"dddd", "a\nbb\nccc\ndddd\n"},
		{"eeeee", "bb\nccc\ndddd\neeeee\n"},
		{"ffffff", "ccc\ndddd\neeeee\nffffff\n"},
		{"ggggggg", "eeeee\nffffff\nggggggg\n"},
		{"hhhhhhhh", "ggggggg\nhhhhhhhh\n"},
		{"jjjjjjjjjjjjjjjjjjjjjjjjj", "jjjjjjjjjjjjjjjjjjjjjjjjj\n"},
	}
	for _, test := range tests {
		Logf(1, "%v", test.str)
		if out := History(); out != test.want {
			t.Fatalf("wrote: %v\nwant: %v\ngot: %v", test.str, test.want, out)
		}
	}
	// Too verbose to be recorded.
	Logf(historyLevel+1, "x")
	assert.Equal(t, "jjjjjjjjjjjjjjjjjjjjjjjjj\n", History())

	Warnf("x=%v", 1)
	if out := History(); !strings.HasSuffix(out, "WARNING: x=1\n") {
		t.Fatalf("warning is not recorded: %q", out)
	}
	assert.False(t, V(1), "verbosity 1 is enabled by default")

	KeepHistory(2, 100)
	assert.Empty(t, History())
	assert.Panics(t, func() { KeepHistory(0, 1) })
}
