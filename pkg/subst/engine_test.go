// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package subst

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/obfkit/obfkit/pkg/stat"
	"github.com/obfkit/obfkit/pkg/testutil"
	"github.com/obfkit/obfkit/prog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOracle struct {
	ok     bool
	passes int
}

func (o testOracle) ShouldObfuscate(fn *prog.Func) bool { return o.ok }
func (o testOracle) PassCount(fn *prog.Func) int        { return o.passes }

type diagRecorder struct {
	msgs []string
}

func (d *diagRecorder) diag(msg string, args ...interface{}) {
	d.msgs = append(d.msgs, fmt.Sprintf(msg, args...))
}

func mustEngine(t *testing.T, rs rand.Source, opts Options) *Engine {
	t.Helper()
	e, err := NewEngine(prog.NewRand(rs), opts)
	require.NoError(t, err)
	return e
}

func mustDeserialize(t *testing.T, text string) *prog.Module {
	t.Helper()
	m, err := prog.Deserialize([]byte(text))
	require.NoError(t, err)
	return m
}

// checkEquivalent compares results of all functions of m0 and m1 on random inputs.
func checkEquivalent(t *testing.T, r *prog.RandGen, m0, m1 *prog.Module) {
	t.Helper()
	require.Len(t, m1.Funcs, len(m0.Funcs))
	for i, f0 := range m0.Funcs {
		f1 := m1.Funcs[i]
		if f0.IsDeclaration() {
			continue
		}
		for iter := 0; iter < 20; iter++ {
			args := make([]uint64, len(f0.Params))
			for j, p := range f0.Params {
				args[j] = r.RandValue(p.Bits)
			}
			want, err0 := f0.Eval(args...)
			got, err1 := f1.Eval(args...)
			require.NoError(t, err0)
			require.NoError(t, err1)
			if want != got {
				t.Fatalf("%v%x: got 0x%x, want 0x%x\noriginal:\n%s\nrewritten:\n%s",
					f0.Name, args, got, want, f0.Serialize(), f1.Serialize())
			}
		}
	}
}

func rewritableCounts(f *prog.Func) Stats {
	res := make(Stats)
	for code, n := range f.CountOps() {
		if catalog[code] != nil {
			res[code] = n
		}
	}
	return res
}

func TestEngineCoverage(t *testing.T) {
	t.Parallel()
	rs := testutil.RandSource(t)
	r := prog.NewRand(rs)
	for i := 0; i < testutil.IterCount()/10; i++ {
		m := prog.Generate(rs, 40)
		orig := m.Clone()
		e := mustEngine(t, rs, Options{Passes: 1})
		total := make(Stats)
		for _, f := range m.Funcs {
			want := rewritableCounts(f)
			stats := e.Substitute(f)
			if diff := cmp.Diff(want, stats); diff != "" {
				t.Fatalf("%v: stats mismatch:\n%s", f.Name, diff)
			}
			require.NoError(t, f.Validate())
			total.Add(stats)
		}
		assert.Equal(t, total, e.Stats())
		checkEquivalent(t, r, orig, m)
	}
}

func TestEngineMultiPass(t *testing.T) {
	t.Parallel()
	rs := testutil.RandSource(t)
	r := prog.NewRand(rs)
	for _, bits := range []int{1, 8, 32, 64} {
		m := mustDeserialize(t, fmt.Sprintf(`func f(i%[1]v %%a, i%[1]v %%b) i%[1]v {
entry:
  %%0 = add i%[1]v %%a, %%b
  %%1 = xor i%[1]v %%0, %%b
  %%2 = mul i%[1]v %%1, %%a
  ret %%2
}
`, bits))
		orig := m.Clone()
		e := mustEngine(t, rs, Options{Passes: 3})
		stats := e.Substitute(m.Funcs[0])
		require.NoError(t, m.Validate())
		// Every pass rewrites at least the op whose result is returned.
		assert.GreaterOrEqual(t, stats.Total(), 3+2)
		checkEquivalent(t, r, orig, m)
	}
}

func TestEngineExcludedOps(t *testing.T) {
	t.Parallel()
	m := mustDeserialize(t, `func f(i32 %a, i32 %b) i32 {
entry:
  %0 = or i32 %b, 0x1
  %1 = udiv i32 %a, %0
  %2 = urem i32 %1, %0
  %3 = shl i32 %2, 0x3
  %4 = lshr i32 %3, 0x1
  %5 = ashr i32 %4, 0x1
  %6 = fdiv i32 %5, %a
  %7 = not i32 %6
  %8 = neg i32 %7
  ret %8
}
`)
	f := m.Funcs[0]
	// Drop the only rewritable op to see that nothing else is touched.
	e := mustEngine(t, rand.NewSource(0), Options{Passes: 2, Disabled: RuleNames()})
	before := string(m.Serialize())
	stats := e.Substitute(f)
	assert.Empty(t, stats)
	assert.Equal(t, before, string(m.Serialize()))

	e = mustEngine(t, rand.NewSource(0), Options{Passes: 1})
	stats = e.Substitute(f)
	assert.Equal(t, Stats{prog.OpOr: 1}, stats)
}

func TestEnginePassGuard(t *testing.T) {
	t.Parallel()
	for _, passes := range []int{0, -1} {
		t.Run(fmt.Sprint(passes), func(t *testing.T) {
			m := mustDeserialize(t, simpleModule)
			before := string(m.Serialize())
			diag := new(diagRecorder)
			e := mustEngine(t, rand.NewSource(0), Options{Passes: passes, Diag: diag.diag})

			stats, ok := e.Run(m.Funcs[0], testOracle{ok: true, passes: passes})
			assert.False(t, ok)
			assert.Empty(t, stats)
			assert.Equal(t, []string{fmt.Sprintf(PassCountDiag, passes)}, diag.msgs)

			stats = e.Substitute(m.Funcs[0])
			assert.Empty(t, stats)
			assert.Len(t, diag.msgs, 2)
			assert.Equal(t, before, string(m.Serialize()))
		})
	}
}

func TestEngineNotEligible(t *testing.T) {
	t.Parallel()
	m := mustDeserialize(t, simpleModule)
	before := string(m.Serialize())
	diag := new(diagRecorder)
	e := mustEngine(t, rand.NewSource(0), Options{Diag: diag.diag})
	_, ok := e.Run(m.Funcs[0], testOracle{ok: false, passes: 1})
	assert.False(t, ok)
	assert.Empty(t, diag.msgs)
	assert.Equal(t, before, string(m.Serialize()))
}

func TestEngineRunModule(t *testing.T) {
	t.Parallel()
	m := mustDeserialize(t, simpleModule+`func g(i8 %x) i8 {
entry:
  %0 = and i8 %x, 0xf
  %1 = or i8 %0, 0x10
  ret %1
}
`)
	orig := m.Clone()
	e := mustEngine(t, rand.NewSource(1), Options{})
	stats := e.RunModule(m, testOracle{ok: true, passes: 1})
	assert.Equal(t, Stats{prog.OpAdd: 1, prog.OpSub: 1, prog.OpAnd: 1, prog.OpOr: 1}, stats)
	assert.Equal(t, stats, e.Stats())
	require.NoError(t, m.Validate())
	checkEquivalent(t, prog.NewRand(rand.NewSource(2)), orig, m)
}

func TestEngineDeterministic(t *testing.T) {
	t.Parallel()
	gen := prog.Generate(rand.NewSource(3), 40)
	var results []string
	for i := 0; i < 2; i++ {
		m := gen.Clone()
		e := mustEngine(t, rand.NewSource(42), Options{Passes: 2})
		e.RunModule(m, testOracle{ok: true, passes: 2})
		results = append(results, string(m.Serialize()))
	}
	assert.Equal(t, results[0], results[1])
}

func TestEngineEraseDead(t *testing.T) {
	t.Parallel()
	m := mustDeserialize(t, simpleModule)
	orig := m.Clone()
	f := m.Funcs[0]
	add := f.Entry().Ops[0]
	e := mustEngine(t, rand.NewSource(0), Options{Passes: 2, EraseDead: true})
	e.Substitute(f)
	require.NoError(t, m.Validate())
	assert.Nil(t, add.Block)
	for _, op := range f.Entry().Ops {
		if !op.Code.IsTerminator() {
			assert.NotZero(t, op.NumUses(), "dead %v", op.Code)
		}
	}
	checkEquivalent(t, prog.NewRand(rand.NewSource(0)), orig, m)
}

func TestEngineKeepsDead(t *testing.T) {
	t.Parallel()
	m := mustDeserialize(t, simpleModule)
	f := m.Funcs[0]
	add := f.Entry().Ops[0]
	e := mustEngine(t, rand.NewSource(0), Options{Passes: 1})
	e.Substitute(f)
	assert.Equal(t, f.Entry(), add.Block)
	assert.Zero(t, add.NumUses())
}

func TestEngineRewritesDead(t *testing.T) {
	t.Parallel()
	rs := testutil.RandSource(t)
	for i := 0; i < testutil.IterCount()/10; i++ {
		m := prog.Generate(rs, 30)
		e := mustEngine(t, rs, Options{Passes: 1})
		for _, f := range m.Funcs {
			e.Substitute(f)
			// The dead originals of the first pass are counted too.
			want := rewritableCounts(f)
			if diff := cmp.Diff(want, e.Substitute(f)); diff != "" {
				t.Fatalf("%v: second pass stats mismatch:\n%s", f.Name, diff)
			}
			require.NoError(t, f.Validate())
		}
	}
}

func TestEngineDeadOriginalChain(t *testing.T) {
	t.Parallel()
	m := mustDeserialize(t, simpleModule)
	f := m.Funcs[0]
	b := f.Entry()
	add := b.Ops[0]
	e := mustEngine(t, rand.NewSource(0), Options{Passes: 1})
	e.Substitute(f)
	first := make(map[*prog.Op]bool)
	for _, op := range b.Ops {
		first[op] = true
	}
	before := add.Index()
	e.Substitute(f)
	require.NoError(t, m.Validate())
	assert.Equal(t, b, add.Block)
	assert.Zero(t, add.NumUses())
	// A fresh chain is placed right before the dead add.
	idx := add.Index()
	require.Greater(t, idx, before)
	prev := b.Ops[idx-1]
	assert.False(t, first[prev], "op before add is %v from the first pass", prev.Code)

	// Two single passes draw the same randomness as one run with two passes.
	m1 := mustDeserialize(t, simpleModule)
	e1 := mustEngine(t, rand.NewSource(0), Options{Passes: 2})
	stats := e1.Substitute(m1.Funcs[0])
	assert.Equal(t, e.Stats(), stats)
	assert.Equal(t, string(m.Serialize()), string(m1.Serialize()))
}

func TestEngineLongBlock(t *testing.T) {
	t.Parallel()
	if testutil.RaceEnabled {
		t.Skip("too slow under race detector")
	}
	const n = 20000
	f := &prog.Func{Name: "long", RetBits: 32}
	f.Params = []*prog.Param{prog.NewParam("a", 32), prog.NewParam("b", 32)}
	m := new(prog.Module)
	m.AddFunc(f)
	b := f.AddBlock("entry")
	var adds []*prog.Op
	var last prog.Value = f.Params[0]
	for i := 0; i < n; i++ {
		op := prog.NewOp(prog.OpAdd, 32, last, f.Params[1])
		b.Append(op)
		adds = append(adds, op)
		last = op
	}
	b.Append(prog.NewOp(prog.OpRet, 0, last))
	orig := m.Clone()
	e := mustEngine(t, rand.NewSource(0), Options{Passes: 1, EraseDead: true})
	start := time.Now()
	stats := e.Substitute(f)
	// Inserting chains one by one costs minutes here.
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, n, stats[prog.OpAdd])
	require.NoError(t, f.Validate())
	for _, op := range adds {
		require.Nil(t, op.Block)
	}
	checkEquivalent(t, prog.NewRand(rand.NewSource(0)), orig, m)
}

func TestEngineExpandUnary(t *testing.T) {
	t.Parallel()
	rs := testutil.RandSource(t)
	m := mustDeserialize(t, `func f(i16 %a, i16 %b) i16 {
entry:
  %0 = add i16 %a, %b
  %1 = and i16 %0, %b
  %2 = or i16 %1, %a
  %3 = xor i16 %2, %b
  %4 = sub i16 %3, %a
  ret %4
}
`)
	orig := m.Clone()
	e := mustEngine(t, rs, Options{Passes: 2, ExpandUnary: true})
	e.Substitute(m.Funcs[0])
	counts := m.Funcs[0].CountOps()
	assert.Zero(t, counts[prog.OpNot])
	assert.Zero(t, counts[prog.OpNeg])
	checkEquivalent(t, prog.NewRand(rs), orig, m)
}

func TestEngineDisabled(t *testing.T) {
	t.Parallel()
	var disabled []string
	for _, r := range Catalog()[prog.OpAdd] {
		if r.Name != "addNeg" {
			disabled = append(disabled, r.Name)
		}
	}
	m := mustDeserialize(t, `func f(i8 %a, i8 %b) i8 {
entry:
  %0 = add i8 %a, %b
  ret %0
}
`)
	e := mustEngine(t, rand.NewSource(0), Options{Passes: 1, Disabled: disabled})
	e.Substitute(m.Funcs[0])
	want := map[prog.Opcode]int{prog.OpNeg: 1, prog.OpSub: 1, prog.OpAdd: 1, prog.OpRet: 1}
	assert.Equal(t, want, m.Funcs[0].CountOps())

	_, err := NewEngine(prog.NewRand(rand.NewSource(0)), Options{Disabled: []string{"addFoo"}})
	assert.ErrorContains(t, err, "addFoo")
}

func TestEngineMetrics(t *testing.T) {
	t.Parallel()
	m := mustDeserialize(t, simpleModule)
	e := mustEngine(t, rand.NewSource(0), Options{Passes: 1})
	e.Substitute(m.Funcs[0])
	assert.NotZero(t, opStats[prog.OpAdd].Val())
	buf := new(bytes.Buffer)
	require.NoError(t, stat.WritePrometheus(buf))
	for _, name := range []string{"obf_subst_add_total", "obf_subst_sub_total", "obf_subst_erased_total"} {
		assert.Contains(t, buf.String(), "# TYPE "+name+" gauge")
	}
}

func TestStatsString(t *testing.T) {
	t.Parallel()
	s := Stats{prog.OpXor: 1, prog.OpAdd: 3}
	assert.Equal(t, "add=3 xor=1", s.String())
	assert.Equal(t, 4, s.Total())
	s.Add(Stats{prog.OpXor: 2, prog.OpMul: 1})
	assert.Equal(t, "add=3 mul=1 xor=3", s.String())
	assert.Equal(t, "", Stats{}.String())
}

const simpleModule = `func f(i32 %a, i32 %b) i32 {
entry:
  %0 = add i32 %a, %b
  %1 = sub i32 %0, %b
  ret %1
}
`
