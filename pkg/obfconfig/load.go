// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package obfconfig

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/obfkit/obfkit/pkg/config"
	"github.com/obfkit/obfkit/pkg/oracle"
	"github.com/obfkit/obfkit/pkg/subst"
	"github.com/obfkit/obfkit/prog"
)

func LoadData(data []byte) (*Config, error) {
	cfg := Default()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(filename string) (*Config, error) {
	cfg := Default()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		SubLoop: 1,
		Seed:    -1,
		Workers: 1,
	}
}

func Complete(cfg *Config) error {
	for _, name := range cfg.DisabledRules {
		if subst.LookupRule(name) == nil {
			return fmt.Errorf("config param disabled_rules contains unknown rule %q", name)
		}
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("bad config param workers: %v, want >= 1", cfg.Workers)
	}
	if cfg.VerifyIters < 0 {
		return fmt.Errorf("bad config param verify_iters: %v, want >= 0", cfg.VerifyIters)
	}
	if cfg.Seed < -1 {
		return fmt.Errorf("bad config param seed: %v", cfg.Seed)
	}
	return nil
}

func (cfg *Config) Oracle() *oracle.Oracle {
	o := oracle.New(cfg.Sub, cfg.SubLoop)
	o.MatchNames = cfg.MatchNames
	return o
}

func (cfg *Config) EngineOptions() subst.Options {
	return subst.Options{
		Passes:      cfg.SubLoop,
		ExpandUnary: cfg.ExpandUnary,
		EraseDead:   cfg.EraseDead,
		Disabled:    cfg.DisabledRules,
	}
}

// RandSource returns the source for the i-th independent random stream.
func (cfg *Config) RandSource(i int) rand.Source {
	if cfg.CryptoRand {
		return prog.NewCryptoSource()
	}
	seed := cfg.Seed
	if seed == -1 {
		seed = time.Now().UnixNano()
	}
	return rand.NewSource(seed + int64(i))
}
