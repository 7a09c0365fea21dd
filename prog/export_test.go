// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"testing"
)

// Export guts for testing.

func init() {
	debug = true
}

var (
	SignExtend = signExtend
	Dominators = dominators
)

func mustDeserialize(t *testing.T, text string) *Module {
	t.Helper()
	m, err := Deserialize([]byte(text))
	if err != nil {
		t.Fatalf("failed to deserialize: %v\n%s", err, text)
	}
	return m
}
