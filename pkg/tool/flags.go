// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"errors"
	"fmt"
	"strings"
)

// ListFlag allows passing a comma-separated list of values to a single flag.
// The flag may be repeated, values accumulate.
type ListFlag []string

func (l *ListFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *ListFlag) Set(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("empty list")
	}
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			return fmt.Errorf("empty element in %q", value)
		}
		*l = append(*l, v)
	}
	return nil
}
