// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/obfkit/obfkit/pkg/obfconfig"
	"github.com/obfkit/obfkit/prog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModule = `func f(i32 %a, i32 %b) i32 annotate("sub") {
entry:
  %0 = add i32 %a, %b
  %1 = xor i32 %0, %a
  ret %1
}
func g(i32 %a, i32 %b) i32 {
entry:
  %0 = udiv i32 %a, %b
  %1 = and i32 %0, %b
  ret %1
}
declare h(i8 %x) i8
`

func testConfig() *obfconfig.Config {
	cfg := obfconfig.Default()
	cfg.Seed = 1
	cfg.VerifyIters = 50
	return cfg
}

func TestProcess(t *testing.T) {
	m, err := prog.Deserialize([]byte(testModule))
	require.NoError(t, err)
	p := &processor{cfg: testConfig(), wantDiff: true}
	res, err := p.process("test.ir", m, rand.NewSource(0))
	require.NoError(t, err)
	// Only f is annotated, g is left intact since the global flag is off.
	assert.Equal(t, map[string]int{"add": 1, "xor": 1}, res.report.Stats)
	assert.Equal(t, 3, res.report.Funcs)
	assert.Equal(t, 6, res.report.OpsBefore)
	assert.Greater(t, res.report.OpsAfter, res.report.OpsBefore)
	assert.NotZero(t, res.report.Verified)
	assert.Contains(t, res.diff, "-  ret %1\n")
	assert.Contains(t, res.diff, " func g(i32 %a, i32 %b) i32 {\n")

	out, err := prog.Deserialize(res.output)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Func("g").NumOps())
}

func TestProcessGlobalFlag(t *testing.T) {
	m, err := prog.Deserialize([]byte(testModule))
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Sub = true
	cfg.SubLoop = 2
	p := &processor{cfg: cfg}
	res, err := p.process("test.ir", m, rand.NewSource(0))
	require.NoError(t, err)
	assert.Contains(t, res.report.Stats, "and")
	assert.GreaterOrEqual(t, res.report.Stats["add"], 2)
}

func TestVerifyMismatch(t *testing.T) {
	m0, err := prog.Deserialize([]byte(testModule))
	require.NoError(t, err)
	m1 := m0.Clone()
	m1.Funcs[0].Entry().Ops[0].Code = prog.OpSub
	_, err = verify(m0, m1, prog.NewRand(rand.NewSource(0)), 10)
	assert.ErrorContains(t, err, "rewritten function returned")

	n, err := verify(m0, m0.Clone(), prog.NewRand(rand.NewSource(0)), 10)
	require.NoError(t, err)
	// g faults on zero divisors only.
	assert.Greater(t, n, 10)
}

func TestWriteMetrics(t *testing.T) {
	m, err := prog.Deserialize([]byte(testModule))
	require.NoError(t, err)
	p := &processor{cfg: testConfig()}
	_, err = p.process("test.ir", m, rand.NewSource(0))
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "metrics.txt")
	require.NoError(t, writeMetrics(file))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "obf_subst_add_total")
	assert.Contains(t, string(data), "obf_subst_xor_total")
}

func TestLineDiff(t *testing.T) {
	diff := lineDiff("a\nb\nc\n", "a\nx\nc\n")
	assert.Equal(t, " a\n-b\n+x\n c\n", diff)
	assert.Equal(t, " a\n", lineDiff("a\n", "a\n"))
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"a.ir", "b.ir", "c.ir"} {
		file := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(file, []byte(testModule), 0644))
		files = append(files, file)
	}
	cfg := testConfig()
	cfg.Workers = 2
	p := &processor{cfg: cfg}
	results, err := p.run(files)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, files[i], res.report.File)
	}
	// Streams are independent, but reproducible.
	again, err := p.run(files)
	require.NoError(t, err)
	assert.Equal(t, string(results[1].output), string(again[1].output))

	_, err = p.run([]string{filepath.Join(dir, "missing.ir")})
	assert.Error(t, err)
}

func TestRunGenerated(t *testing.T) {
	cfg := testConfig()
	cfg.Sub = true
	p := &processor{cfg: cfg, genLen: 20}
	results, err := p.run(nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, generatedName, results[0].report.File)
	assert.NotEmpty(t, results[0].report.Stats)
}
