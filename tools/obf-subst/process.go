// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/obfkit/obfkit/pkg/log"
	"github.com/obfkit/obfkit/pkg/obfconfig"
	"github.com/obfkit/obfkit/pkg/oracle"
	"github.com/obfkit/obfkit/pkg/subst"
	"github.com/obfkit/obfkit/prog"
	dmp "github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"
)

type processor struct {
	cfg *obfconfig.Config
	// Number of ops in generated functions when no input files are given.
	genLen   int
	toMeta   bool
	wantDiff bool
}

type fileReport struct {
	File      string         `json:"file"`
	Funcs     int            `json:"funcs"`
	OpsBefore int            `json:"ops_before"`
	OpsAfter  int            `json:"ops_after"`
	Stats     map[string]int `json:"stats"`
	Verified  int            `json:"verified,omitempty"`
}

type result struct {
	report fileReport
	output []byte
	diff   string
}

const generatedName = "generated.ir"

// run processes files in parallel, each file gets an independent random stream.
// With no files a single random module is generated and processed.
func (p *processor) run(files []string) ([]*result, error) {
	names := files
	if len(names) == 0 {
		names = []string{generatedName}
	}
	results := make([]*result, len(names))
	var eg errgroup.Group
	eg.SetLimit(p.cfg.Workers)
	for i, name := range names {
		rs := p.cfg.RandSource(i)
		eg.Go(func() error {
			var m *prog.Module
			if len(files) == 0 {
				m = prog.Generate(rs, p.genLen)
			} else {
				data, err := os.ReadFile(name)
				if err != nil {
					return err
				}
				m, err = prog.Deserialize(data)
				if err != nil {
					return fmt.Errorf("%v: %w", name, err)
				}
			}
			res, err := p.process(name, m, rs)
			if err != nil {
				return fmt.Errorf("%v: %w", name, err)
			}
			results[i] = res
			return nil
		})
	}
	return results, eg.Wait()
}

func (p *processor) process(name string, m *prog.Module, rs rand.Source) (*result, error) {
	if p.toMeta {
		oracle.AnnotationsToMetadata(m)
	}
	orig := m.Clone()
	rnd := prog.NewRand(rs)
	engine, err := subst.NewEngine(rnd, p.cfg.EngineOptions())
	if err != nil {
		return nil, err
	}
	stats := engine.RunModule(m, p.cfg.Oracle())
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("produced invalid module: %w", err)
	}
	log.Logf(1, "%v: %v rewrites (%v)", name, stats.Total(), stats)
	res := &result{
		report: fileReport{
			File:      name,
			Funcs:     len(m.Funcs),
			OpsBefore: numOps(orig),
			OpsAfter:  numOps(m),
			Stats:     make(map[string]int),
		},
		output: m.Serialize(),
	}
	for code, n := range stats {
		res.report.Stats[code.String()] = n
	}
	if p.cfg.VerifyIters > 0 {
		res.report.Verified, err = verify(orig, m, rnd, p.cfg.VerifyIters)
		if err != nil {
			return nil, err
		}
	}
	if p.wantDiff {
		res.diff = lineDiff(string(orig.Serialize()), string(res.output))
	}
	return res, nil
}

func numOps(m *prog.Module) int {
	n := 0
	for _, f := range m.Funcs {
		n += f.NumOps()
	}
	return n
}

// verify runs corresponding functions of orig and m on random inputs and compares results.
// Inputs on which the original function faults are skipped.
// Returns the number of compared runs.
func verify(orig, m *prog.Module, r *prog.RandGen, iters int) (int, error) {
	checked := 0
	for i, f0 := range orig.Funcs {
		if f0.IsDeclaration() {
			continue
		}
		f1 := m.Funcs[i]
		for iter := 0; iter < iters; iter++ {
			args := make([]uint64, len(f0.Params))
			for j, p := range f0.Params {
				args[j] = r.RandValue(p.Bits)
			}
			want, err := f0.Eval(args...)
			if err != nil {
				continue
			}
			got, err := f1.Eval(args...)
			if err != nil {
				return checked, fmt.Errorf("%v%x: rewritten function failed: %w", f0.Name, args, err)
			}
			if got != want {
				return checked, fmt.Errorf("%v%x: rewritten function returned 0x%x, original 0x%x",
					f0.Name, args, got, want)
			}
			checked++
		}
	}
	return checked, nil
}

// lineDiff returns a line-based diff of the two texts with +/- line markers.
func lineDiff(from, to string) string {
	differ := dmp.New()
	a, b, lines := differ.DiffLinesToChars(from, to)
	diffs := differ.DiffCharsToLines(differ.DiffMain(a, b, false), lines)
	buf := new(strings.Builder)
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case dmp.DiffInsert:
			prefix = "+"
		case dmp.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			buf.WriteString(prefix)
			buf.WriteString(line)
		}
	}
	return buf.String()
}
