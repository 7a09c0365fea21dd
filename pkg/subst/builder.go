// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package subst

import (
	"github.com/obfkit/obfkit/prog"
)

// inserter is implemented by *prog.Block and *prog.Editor.
type inserter interface {
	InsertBefore(ref *prog.Op, ops ...*prog.Op)
}

// builder collects a replacement chain; flush inserts it before the op being rewritten.
// All emitted ops have the width of the insertion point.
type builder struct {
	ins    inserter
	at     *prog.Op
	bits   int
	rnd    prog.Rand
	expand bool
	ops    []*prog.Op
}

func newBuilder(ins inserter, at *prog.Op, bits int, rnd prog.Rand, expand bool) *builder {
	return &builder{
		ins:    ins,
		at:     at,
		bits:   bits,
		rnd:    rnd,
		expand: expand,
	}
}

func (b *builder) emit(op *prog.Op) *prog.Op {
	b.ops = append(b.ops, op)
	return op
}

// flush inserts the chain with a single call and returns its length.
func (b *builder) flush() int {
	if len(b.ops) != 0 {
		b.ins.InsertBefore(b.at, b.ops...)
	}
	return len(b.ops)
}

func (b *builder) op(code prog.Opcode, x, y prog.Value) *prog.Op {
	return b.emit(prog.NewOp(code, b.bits, x, y))
}

// not emits ~x. In expanded mode it is lowered to xor x, -1.
func (b *builder) not(x prog.Value) *prog.Op {
	if b.expand {
		return b.op(prog.OpXor, x, b.konst(prog.Mask(b.bits)))
	}
	return b.emit(prog.NewOp(prog.OpNot, b.bits, x))
}

// neg emits -x. In expanded mode it is lowered to sub 0, x.
func (b *builder) neg(x prog.Value) *prog.Op {
	if b.expand {
		return b.op(prog.OpSub, b.konst(0), x)
	}
	return b.emit(prog.NewOp(prog.OpNeg, b.bits, x))
}

func (b *builder) konst(v uint64) *prog.Const {
	return prog.NewConst(v, b.bits)
}

// mask returns a fresh random constant of the builder width.
func (b *builder) mask() *prog.Const {
	return b.konst(b.rnd.RandValue(b.bits))
}
