// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package subst implements randomized substitution of arithmetic and bitwise operators
// with equivalent, but more complex, sequences of operations.
package subst

import (
	"fmt"
	"sort"
	"strings"

	"github.com/obfkit/obfkit/pkg/log"
	"github.com/obfkit/obfkit/pkg/stat"
	"github.com/obfkit/obfkit/prog"
	"golang.org/x/exp/maps"
)

// PassCountDiag is reported when a function is requested to be rewritten a non-positive number of times.
const PassCountDiag = "substitution application number sub_loop=%v must be x > 0"

// Oracle decides which functions are rewritten and how many times.
type Oracle interface {
	ShouldObfuscate(fn *prog.Func) bool
	PassCount(fn *prog.Func) int
}

type Options struct {
	// Passes is the number of passes done by Substitute.
	Passes int
	// ExpandUnary emits not/neg helpers as xor x, -1 and sub 0, x,
	// which makes them eligible for rewriting in subsequent passes.
	ExpandUnary bool
	// EraseDead removes rewritten ops at the end of each pass.
	EraseDead bool
	// Disabled lists names of rules that are never applied.
	Disabled []string
	// Diag receives diagnostics, log.Warnf is used if nil.
	Diag func(msg string, args ...interface{})
}

type Engine struct {
	rnd   prog.Rand
	opts  Options
	rules map[prog.Opcode][]*Rule
	total Stats
}

func NewEngine(rnd prog.Rand, opts Options) (*Engine, error) {
	disabled := make(map[string]bool)
	for _, name := range opts.Disabled {
		if LookupRule(name) == nil {
			return nil, fmt.Errorf("unknown rule %q", name)
		}
		disabled[name] = true
	}
	rules := make(map[prog.Opcode][]*Rule)
	for code, table := range catalog {
		for _, r := range table {
			if !disabled[r.Name] {
				rules[code] = append(rules[code], r)
			}
		}
	}
	if opts.Diag == nil {
		opts.Diag = log.Warnf
	}
	e := &Engine{
		rnd:   rnd,
		opts:  opts,
		rules: rules,
		total: make(Stats),
	}
	return e, nil
}

// Run rewrites fn if the oracle allows it, using the oracle pass count.
// It returns false if fn was not modified.
func (e *Engine) Run(fn *prog.Func, o Oracle) (Stats, bool) {
	passes := o.PassCount(fn)
	if passes <= 0 {
		e.opts.Diag(PassCountDiag, passes)
		return Stats{}, false
	}
	if !o.ShouldObfuscate(fn) {
		return Stats{}, false
	}
	return e.substitute(fn, passes), true
}

// RunModule runs the engine on all functions of the module in order.
func (e *Engine) RunModule(m *prog.Module, o Oracle) Stats {
	stats := make(Stats)
	for _, fn := range m.Funcs {
		fstats, ok := e.Run(fn, o)
		if ok {
			log.Logf(1, "%v: %v", fn.Name, fstats)
		}
		stats.Add(fstats)
	}
	return stats
}

// Substitute unconditionally rewrites fn Options.Passes times.
func (e *Engine) Substitute(fn *prog.Func) Stats {
	if e.opts.Passes <= 0 {
		e.opts.Diag(PassCountDiag, e.opts.Passes)
		return Stats{}
	}
	return e.substitute(fn, e.opts.Passes)
}

// Stats returns totals over all functions rewritten by the engine.
func (e *Engine) Stats() Stats {
	res := make(Stats)
	res.Add(e.total)
	return res
}

func (e *Engine) substitute(fn *prog.Func, passes int) Stats {
	stats := make(Stats)
	for pass := 0; pass < passes; pass++ {
		var rewritten []*prog.Op
		for _, b := range fn.Blocks {
			// Chains are queued and placed by a single rebuild of the block,
			// so the walk covers exactly the ops present at the start of the pass.
			ed := b.Edit()
			for _, op := range b.Ops {
				rules := e.rules[op.Code]
				if len(rules) == 0 {
					continue
				}
				rule := rules[e.rnd.Uniform(len(rules))]
				n, ok := rule.apply(ed, op, e.rnd, e.opts.ExpandUnary)
				if !ok {
					continue
				}
				stats[op.Code]++
				opStats[op.Code].Add(1)
				statGenerated.Add(n)
				rewritten = append(rewritten, op)
			}
			ed.Commit()
		}
		if e.opts.EraseDead {
			eraseDead(rewritten)
		}
	}
	e.total.Add(stats)
	return stats
}

func eraseDead(ops []*prog.Op) {
	statErased.Add(prog.RemoveDead(ops))
}

// Stats holds the number of rewritten ops per opcode.
type Stats map[prog.Opcode]int

func (s Stats) Add(s1 Stats) {
	for code, n := range s1 {
		s[code] += n
	}
}

func (s Stats) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

func (s Stats) String() string {
	codes := maps.Keys(s)
	sort.Slice(codes, func(i, j int) bool {
		return codes[i] < codes[j]
	})
	var parts []string
	for _, code := range codes {
		parts = append(parts, fmt.Sprintf("%v=%v", code, s[code]))
	}
	return strings.Join(parts, " ")
}

var (
	opStats = map[prog.Opcode]*stat.Val{
		prog.OpAdd: stat.New("add substituted", "Number of rewritten add ops",
			stat.Console, stat.Prometheus("obf_subst_add_total")),
		prog.OpSub: stat.New("sub substituted", "Number of rewritten sub ops",
			stat.Console, stat.Prometheus("obf_subst_sub_total")),
		prog.OpMul: stat.New("mul substituted", "Number of rewritten mul ops",
			stat.Console, stat.Prometheus("obf_subst_mul_total")),
		prog.OpAnd: stat.New("and substituted", "Number of rewritten and ops",
			stat.Console, stat.Prometheus("obf_subst_and_total")),
		prog.OpOr: stat.New("or substituted", "Number of rewritten or ops",
			stat.Console, stat.Prometheus("obf_subst_or_total")),
		prog.OpXor: stat.New("xor substituted", "Number of rewritten xor ops",
			stat.Console, stat.Prometheus("obf_subst_xor_total")),
	}
	statGenerated = stat.New("ops per rewrite", "Number of ops generated by a single rule application",
		stat.Distribution{})
	statErased = stat.New("dead ops erased", "Number of rewritten ops removed after a pass",
		stat.Prometheus("obf_subst_erased_total"))
)
