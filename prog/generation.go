// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"fmt"
	"math/rand"
)

// GenWidths are the integer widths used by Generate.
var GenWidths = []int{1, 4, 8, 16, 32, 64}

// Generate generates a random module with 1-3 functions of ~nops ops each.
// Functions use forward branches only, so every generated function terminates,
// and divisors and shift amounts are guarded so evaluation never fails.
func Generate(rs rand.Source, nops int) *Module {
	r := NewRand(rs)
	m := new(Module)
	nfuncs := 1 + r.Intn(3)
	for i := 0; i < nfuncs; i++ {
		bits := GenWidths[r.Intn(len(GenWidths))]
		m.AddFunc(r.generateFunc(fmt.Sprintf("f%v", i), bits, nops))
	}
	if debug {
		if err := m.Validate(); err != nil {
			panic(err)
		}
	}
	return m
}

// GenerateFunc generates a single random function operating on bits-wide values.
func GenerateFunc(rs rand.Source, name string, bits, nops int) *Func {
	f := NewRand(rs).generateFunc(name, bits, nops)
	if debug {
		if err := f.Validate(); err != nil {
			panic(err)
		}
	}
	return f
}

type generator struct {
	r     *RandGen
	f     *Func
	bits  int
	codes []Opcode
	dom   [][]bool
	defs  [][]Value
	conds [][]Value
}

func (r *RandGen) generateFunc(name string, bits, nops int) *Func {
	f := &Func{Name: name, RetBits: bits}
	nparams := 2 + r.Intn(2)
	for i := 0; i < nparams; i++ {
		p := NewParam(string(rune('a'+i)), bits)
		p.Func = f
		f.Params = append(f.Params, p)
	}
	cond := NewParam("cond", 1)
	cond.Func = f
	f.Params = append(f.Params, cond)

	nblocks := 1 + r.Intn(1+min(nops/8, 5))
	for i := 0; i < nblocks; i++ {
		name := "entry"
		if i != 0 {
			name = fmt.Sprintf("bb%v", i)
		}
		f.AddBlock(name)
	}
	// Terminators are created first with empty operands,
	// so that dominators are known when ops are generated.
	for i, b := range f.Blocks {
		switch {
		case i == nblocks-1:
			b.Append(&Op{Code: OpRet, Args: []Value{nil}})
		case i+2 < nblocks && r.bin():
			j := i + 2 + r.Intn(nblocks-i-2)
			b.Append(&Op{Code: OpBrIf, Args: []Value{nil}, Targets: []*Block{f.Blocks[i+1], f.Blocks[j]}})
		default:
			b.Append(&Op{Code: OpBr, Targets: []*Block{f.Blocks[i+1]}})
		}
	}
	g := &generator{
		r:     r,
		f:     f,
		bits:  bits,
		codes: genOpcodes(bits),
		dom:   dominators(f),
		defs:  make([][]Value, nblocks),
		conds: make([][]Value, nblocks),
	}
	for _, p := range f.Params[:nparams] {
		g.defs[0] = append(g.defs[0], p)
	}
	g.conds[0] = append(g.conds[0], cond)
	for i, b := range f.Blocks {
		n := nops / nblocks
		if i == 0 {
			n += nops % nblocks
		}
		for k := 0; k < n; k++ {
			g.generateOp(i)
		}
		switch term := b.Terminator(); term.Code {
		case OpRet:
			term.SetArg(0, g.operand(i))
		case OpBrIf:
			term.SetArg(0, g.cond(i))
		}
	}
	return f
}

func genOpcodes(bits int) []Opcode {
	var res []Opcode
	for _, code := range AllOpcodes() {
		switch {
		case code.IsTerminator():
			continue
		case code.IsFloat() && bits != 32 && bits != 64:
			continue
		case (code == OpSDiv || code == OpSRem) && bits == 1:
			continue
		}
		res = append(res, code)
		if code <= OpXor {
			// Rewritable ops are the interesting ones.
			res = append(res, code, code)
		}
	}
	return res
}

func (g *generator) generateOp(bi int) {
	r, bits := g.r, g.bits
	b := g.f.Blocks[bi]
	term := b.Terminator()
	emit := func(op *Op) *Op {
		b.InsertBefore(term, op)
		g.defs[bi] = append(g.defs[bi], op)
		return op
	}
	if r.oneOf(8) {
		codes := []Opcode{OpAnd, OpOr, OpXor, OpAdd}
		op := NewOp(codes[r.Intn(len(codes))], 1, g.cond(bi), g.cond(bi))
		b.InsertBefore(term, op)
		g.conds[bi] = append(g.conds[bi], op)
		return
	}
	switch code := g.codes[r.Intn(len(g.codes))]; code {
	case OpNot, OpNeg:
		emit(NewOp(code, bits, g.operand(bi)))
	case OpUDiv, OpURem:
		y := emit(NewOp(OpOr, bits, g.operand(bi), NewConst(1, bits)))
		emit(NewOp(code, bits, g.operand(bi), y))
	case OpSDiv, OpSRem:
		x := emit(NewOp(OpLShr, bits, g.operand(bi), NewConst(1, bits)))
		y := emit(NewOp(OpOr, bits, g.operand(bi), NewConst(1, bits)))
		emit(NewOp(code, bits, x, y))
	case OpShl, OpLShr, OpAShr:
		y := emit(NewOp(OpURem, bits, g.operand(bi), NewConst(uint64(bits), bits)))
		emit(NewOp(code, bits, g.operand(bi), y))
	default:
		emit(NewOp(code, bits, g.operand(bi), g.operand(bi)))
	}
}

// available returns values of the given per-block pools visible in block bi.
func (g *generator) available(bi int, pools [][]Value) []Value {
	var res []Value
	for d := 0; d <= bi; d++ {
		if g.dom[bi][d] {
			res = append(res, pools[d]...)
		}
	}
	return res
}

func (g *generator) operand(bi int) Value {
	vals := g.available(bi, g.defs)
	if len(vals) == 0 || g.r.oneOf(5) {
		return NewConst(g.r.randInt(g.bits), g.bits)
	}
	if g.r.bin() {
		// Prefer recent values to build longer dependency chains.
		return vals[len(vals)-1-g.r.Intn(min(len(vals), 4))]
	}
	return vals[g.r.Intn(len(vals))]
}

func (g *generator) cond(bi int) Value {
	vals := g.available(bi, g.conds)
	if len(vals) == 0 || g.r.oneOf(6) {
		return NewConst(g.r.randInt(1), 1)
	}
	return vals[g.r.Intn(len(vals))]
}
