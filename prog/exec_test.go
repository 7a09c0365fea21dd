// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"fmt"
	"math"
	"testing"

	"github.com/obfkit/obfkit/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBinary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Opcode
		bits int
		x, y uint64
		res  uint64
		err  error
	}{
		{OpAdd, 8, 0xff, 0x2, 0x1, nil},
		{OpSub, 8, 0x0, 0x1, 0xff, nil},
		{OpMul, 4, 0x7, 0x3, 0x5, nil},
		{OpAnd, 64, 0xf0f0, 0xff00, 0xf000, nil},
		{OpOr, 1, 0x1, 0x0, 0x1, nil},
		{OpXor, 16, 0xffff, 0x00ff, 0xff00, nil},
		{OpUDiv, 8, 0xfe, 0x2, 0x7f, nil},
		{OpUDiv, 8, 0xfe, 0x0, 0, ErrDivByZero},
		{OpSDiv, 8, 0xfe, 0x2, 0xff, nil},
		{OpSDiv, 8, 0x80, 0xff, 0, ErrDivOverflow},
		{OpSRem, 8, 0xf9, 0x2, 0xff, nil},
		{OpURem, 8, 0xf9, 0x2, 0x1, nil},
		{OpURem, 8, 0xf9, 0x0, 0, ErrDivByZero},
		{OpShl, 8, 0x81, 0x1, 0x02, nil},
		{OpLShr, 8, 0x81, 0x1, 0x40, nil},
		{OpAShr, 8, 0x81, 0x1, 0xc0, nil},
		{OpAShr, 8, 0x81, 0x8, 0, ErrShiftTooWide},
		{OpAShr, 64, 1 << 63, 63, math.MaxUint64, nil},
		{OpFDiv, 64, math.Float64bits(1), math.Float64bits(4), math.Float64bits(0.25), nil},
		{OpFRem, 32, uint64(math.Float32bits(7)), uint64(math.Float32bits(2)), uint64(math.Float32bits(1)), nil},
	}
	for i, test := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			res, err := EvalBinary(test.code, test.bits, test.x, test.y)
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.res, res, "%v i%v 0x%x, 0x%x", test.code, test.bits, test.x, test.y)
		})
	}
}

func TestSignExtend(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(-1), SignExtend(1, 1))
	assert.Equal(t, int64(-8), SignExtend(0x8, 4))
	assert.Equal(t, int64(7), SignExtend(0x7, 4))
	assert.Equal(t, int64(math.MinInt64), SignExtend(1<<63, 64))
}

func TestExecBranches(t *testing.T) {
	t.Parallel()
	m := mustDeserialize(t, `func f(i1 %c, i8 %x) i8 {
entry:
  brif %c, then, else
then:
  %0 = neg i8 %x
  ret %0
else:
  %1 = not i8 %x
  ret %1
}
`)
	f := m.Funcs[0]
	res, err := f.Eval(1, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xfb), res)
	res, err = f.Eval(0, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xfa), res)
	_, err = f.Eval(1)
	assert.Error(t, err)
}

func TestExecStepLimit(t *testing.T) {
	t.Parallel()
	m := mustDeserialize(t, `func loop(i8 %x) i8 {
entry:
  br body
body:
  %0 = add i8 %x, 0x1
  br body
}
`)
	e := NewExecutor(m.Funcs[0])
	e.StepLimit = 100
	_, err := e.Run(0)
	assert.ErrorIs(t, err, ErrStepLimit)
}

func TestExecGenerated(t *testing.T) {
	t.Parallel()
	rs := testutil.RandSource(t)
	r := NewRand(rs)
	for i := 0; i < testutil.IterCount(); i++ {
		m := Generate(rs, 50)
		for _, f := range m.Funcs {
			args := make([]uint64, len(f.Params))
			for j, p := range f.Params {
				args[j] = r.RandValue(p.Bits)
			}
			if _, err := f.Eval(args...); err != nil {
				t.Fatalf("generated function failed: %v\n%s", err, f.Serialize())
			}
		}
	}
}
