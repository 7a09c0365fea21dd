// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package subst

import (
	"github.com/obfkit/obfkit/prog"
)

// BuildNor inserts ops computing ~(a|b) immediately before at and returns the result.
// The form is chosen randomly: ~(a|b) or ~a & ~b.
func BuildNor(a, b prog.Value, at *prog.Op, rnd prog.Rand) *prog.Op {
	bld := newBuilder(at.Block, at, a.Width(), rnd, false)
	res := bld.nor(a, b)
	bld.flush()
	return res
}

// BuildNand inserts ops computing ~(a&b) immediately before at and returns the result.
// The form is chosen randomly: ~(a&b) or ~a | ~b.
func BuildNand(a, b prog.Value, at *prog.Op, rnd prog.Rand) *prog.Op {
	bld := newBuilder(at.Block, at, a.Width(), rnd, false)
	res := bld.nand(a, b)
	bld.flush()
	return res
}

func (b *builder) nor(x, y prog.Value) *prog.Op {
	if b.rnd.Uniform(2) == 0 {
		return b.not(b.op(prog.OpOr, x, y))
	}
	nx := b.not(x)
	ny := b.not(y)
	return b.op(prog.OpAnd, nx, ny)
}

func (b *builder) nand(x, y prog.Value) *prog.Op {
	if b.rnd.Uniform(2) == 0 {
		return b.not(b.op(prog.OpAnd, x, y))
	}
	nx := b.not(x)
	ny := b.not(y)
	return b.op(prog.OpOr, nx, ny)
}
