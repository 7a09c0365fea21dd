// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package oracle decides whether and how many times a function is obfuscated
// based on the global configuration and per-function annotations, metadata and names.
package oracle

import (
	"slices"
	"strconv"
	"strings"

	"github.com/obfkit/obfkit/pkg/log"
	"github.com/obfkit/obfkit/prog"
)

// DefaultFeature is the feature name used for operator substitution.
const DefaultFeature = "sub"

type Oracle struct {
	// Feature is the annotation/metadata tag enabling the transformation (e.g. "sub").
	// "no" + Feature disables it and always takes precedence.
	Feature string
	// Flag is the global enable flag used when a function carries no tags.
	Flag bool
	// Passes is the global pass count, Feature + "_loop=N" overrides it per function.
	Passes int
	// MatchNames enables tags embedded into function names as _<feature>_ and _no<feature>_.
	MatchNames bool
}

func New(flag bool, passes int) *Oracle {
	return &Oracle{
		Feature: DefaultFeature,
		Flag:    flag,
		Passes:  passes,
	}
}

func (o *Oracle) feature() string {
	if o.Feature == "" {
		return DefaultFeature
	}
	return o.Feature
}

func (o *Oracle) ShouldObfuscate(fn *prog.Func) bool {
	if fn.IsDeclaration() || fn.External {
		return false
	}
	feature := o.feature()
	if val, ok := BoolOption(fn, feature); ok {
		return val
	}
	tokens := strings.Fields(fn.Annotation)
	if slices.Contains(tokens, "no"+feature) {
		return false
	}
	if slices.Contains(tokens, feature) {
		return true
	}
	if o.MatchNames {
		if strings.Contains(fn.Name, "_no"+feature+"_") {
			log.Logf(1, "no%v function: %v", feature, fn.Name)
			return false
		}
		if strings.Contains(fn.Name, "_"+feature+"_") {
			log.Logf(1, "%v function: %v", feature, fn.Name)
			return true
		}
	}
	return o.Flag
}

func (o *Oracle) PassCount(fn *prog.Func) int {
	opt := o.feature() + "_loop"
	if val, ok := Uint32Option(fn, opt); ok {
		return int(val)
	}
	if val, ok := uint32Value(strings.Fields(fn.Annotation), opt); ok {
		return int(val)
	}
	return o.Passes
}

// BoolOption reads a boolean option from function metadata:
// "no" + name yields false, name yields true. ok is false if neither is present.
func BoolOption(fn *prog.Func, name string) (val, ok bool) {
	if slices.Contains(fn.Metadata, "no"+name) {
		return false, true
	}
	if slices.Contains(fn.Metadata, name) {
		return true, true
	}
	return false, false
}

// Uint32Option reads a "name=N" option from function metadata.
// Malformed values read as 0.
func Uint32Option(fn *prog.Func, name string) (uint32, bool) {
	return uint32Value(fn.Metadata, name)
}

func uint32Value(tokens []string, name string) (uint32, bool) {
	prefix := name + "="
	for _, tok := range tokens {
		if !strings.HasPrefix(tok, prefix) {
			continue
		}
		val, err := strconv.ParseUint(tok[len(prefix):], 10, 32)
		if err != nil {
			return 0, true
		}
		return uint32(val), true
	}
	return 0, false
}

// AnnotationsToMetadata copies whitespace-separated annotation tokens of all functions
// into their metadata, skipping tokens that are already present.
func AnnotationsToMetadata(m *prog.Module) {
	for _, fn := range m.Funcs {
		for _, tok := range strings.Fields(fn.Annotation) {
			if !slices.Contains(fn.Metadata, tok) {
				fn.Metadata = append(fn.Metadata, tok)
			}
		}
	}
}
