// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package obfconfig contains configuration of the obfuscation tools.
package obfconfig

type Config struct {
	// Rewrite functions that carry no sub/nosub annotation or metadata (default: false).
	Sub bool `json:"sub" yaml:"sub"`
	// Number of substitution passes per function (default: 1).
	// Can be overridden per function with sub_loop=N metadata.
	// A non-positive value is reported for every eligible function and the function is left intact.
	SubLoop int `json:"sub_loop" yaml:"sub_loop"`
	// Honor _sub_ and _nosub_ markers in function names.
	MatchNames bool `json:"match_names,omitempty" yaml:"match_names,omitempty"`
	// Emit bitwise complement and negation as xor/sub so that later passes rewrite them too.
	ExpandUnary bool `json:"expand_unary,omitempty" yaml:"expand_unary,omitempty"`
	// Remove rewritten ops that have no remaining users after each pass.
	EraseDead bool `json:"erase_dead,omitempty" yaml:"erase_dead,omitempty"`
	// Names of rewrite rules that are never applied (e.g. "mulSubstitution2").
	DisabledRules []string `json:"disabled_rules,omitempty" yaml:"disabled_rules,omitempty"`
	// Seed for the random source, -1 means seed from the current time (default: -1).
	Seed int64 `json:"seed" yaml:"seed"`
	// Use crypto/rand instead of a seeded source. Seed is ignored.
	CryptoRand bool `json:"crypto_rand,omitempty" yaml:"crypto_rand,omitempty"`
	// Number of files processed in parallel (default: 1).
	Workers int `json:"workers" yaml:"workers"`
	// Number of random inputs used to check equivalence of each rewritten function,
	// 0 disables the check.
	VerifyIters int `json:"verify_iters,omitempty" yaml:"verify_iters,omitempty"`
}
