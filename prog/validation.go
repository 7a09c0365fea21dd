// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"fmt"
)

var debug = false // enabled in tests

func (m *Module) Validate() error {
	names := make(map[string]bool)
	for _, f := range m.Funcs {
		if f.Module != m {
			return fmt.Errorf("function %v does not belong to the module", f.Name)
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate function %v", f.Name)
		}
		names[f.Name] = true
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type validCtx struct {
	f      *Func
	pos    map[*Op][2]int
	params map[*Param]bool
	uses   map[Value]useSet
	dom    [][]bool
}

func (f *Func) Validate() error {
	if f.RetBits <= 0 || f.RetBits > MaxBits {
		return fmt.Errorf("function %v: bad return width %v", f.Name, f.RetBits)
	}
	ctx := &validCtx{
		f:      f,
		pos:    make(map[*Op][2]int),
		params: make(map[*Param]bool),
		uses:   make(map[Value]useSet),
	}
	pnames := make(map[string]bool)
	for _, p := range f.Params {
		if p.Func != f {
			return fmt.Errorf("function %v: param %v belongs to another function", f.Name, p.Name)
		}
		if p.Bits <= 0 || p.Bits > MaxBits {
			return fmt.Errorf("function %v: param %v has bad width %v", f.Name, p.Name, p.Bits)
		}
		if pnames[p.Name] {
			return fmt.Errorf("function %v: duplicate param %v", f.Name, p.Name)
		}
		pnames[p.Name] = true
		ctx.params[p] = true
	}
	bnames := make(map[string]bool)
	for bi, b := range f.Blocks {
		if b.Func != f {
			return fmt.Errorf("function %v: block %v belongs to another function", f.Name, b.Name)
		}
		if bnames[b.Name] {
			return fmt.Errorf("function %v: duplicate block %v", f.Name, b.Name)
		}
		bnames[b.Name] = true
		for oi, op := range b.Ops {
			if op.Block != b {
				return fmt.Errorf("function %v: op #%v in block %v has wrong parent", f.Name, oi, b.Name)
			}
			if _, dup := ctx.pos[op]; dup {
				return fmt.Errorf("function %v: op is present in the function several times", f.Name)
			}
			ctx.pos[op] = [2]int{bi, oi}
		}
	}
	ctx.dom = dominators(f)
	for _, b := range f.Blocks {
		if err := ctx.validateBlock(b); err != nil {
			return fmt.Errorf("function %v: block %v: %w", f.Name, b.Name, err)
		}
	}
	check := func(v Value, have useSet) error {
		want := ctx.uses[v]
		if len(have) != len(want) {
			return fmt.Errorf("function %v: use set of %v has %v users, want %v", f.Name, describe(v), len(have), len(want))
		}
		for user, n := range want {
			if have[user] != n {
				return fmt.Errorf("function %v: use set of %v is inconsistent", f.Name, describe(v))
			}
		}
		return nil
	}
	for _, p := range f.Params {
		if err := check(p, p.uses); err != nil {
			return err
		}
	}
	for op := range ctx.pos {
		if err := check(op, op.uses); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *validCtx) validateBlock(b *Block) error {
	if len(b.Ops) == 0 {
		return fmt.Errorf("empty block")
	}
	for i, op := range b.Ops {
		last := i == len(b.Ops)-1
		if op.Code.IsTerminator() != last {
			if last {
				return fmt.Errorf("block does not end with a terminator")
			}
			return fmt.Errorf("terminator %v in the middle of the block", op.Code)
		}
		if err := ctx.validateOp(op); err != nil {
			return fmt.Errorf("op #%v (%v): %w", i, op.Code, err)
		}
	}
	return nil
}

func (ctx *validCtx) validateOp(op *Op) error {
	want := func(nargs, ntargets int) error {
		if len(op.Args) != nargs || len(op.Targets) != ntargets {
			return fmt.Errorf("want %v operands and %v targets, got %v and %v",
				nargs, ntargets, len(op.Args), len(op.Targets))
		}
		return nil
	}
	var err error
	argBits := op.Bits
	switch {
	case op.Code.IsBinary():
		err = want(2, 0)
	case op.Code.IsUnary():
		err = want(1, 0)
	case op.Code == OpRet:
		err = want(1, 0)
		argBits = ctx.f.RetBits
	case op.Code == OpBr:
		err = want(0, 1)
	case op.Code == OpBrIf:
		err = want(1, 2)
		argBits = 1
	default:
		err = fmt.Errorf("invalid opcode %v", op.Code)
	}
	if err != nil {
		return err
	}
	if !op.Code.IsTerminator() && (op.Bits <= 0 || op.Bits > MaxBits) {
		return fmt.Errorf("bad width %v", op.Bits)
	}
	if op.Code.IsFloat() && op.Bits != 32 && op.Bits != 64 {
		return fmt.Errorf("float op on i%v", op.Bits)
	}
	for _, t := range op.Targets {
		if t == nil || t.Func != ctx.f {
			return fmt.Errorf("branch target is outside of the function")
		}
	}
	for i, arg := range op.Args {
		if arg == nil {
			return fmt.Errorf("nil operand #%v", i)
		}
		if arg.Width() != argBits {
			return fmt.Errorf("operand #%v has width %v, want %v", i, arg.Width(), argBits)
		}
		switch a := arg.(type) {
		case *Const:
			if a.Val != truncateToBitSize(a.Val, a.Bits) {
				return fmt.Errorf("constant 0x%x does not fit into i%v", a.Val, a.Bits)
			}
		case *Param:
			if !ctx.params[a] {
				return fmt.Errorf("operand #%v is a param of another function", i)
			}
		case *Op:
			if err := ctx.checkDominance(a, op); err != nil {
				return fmt.Errorf("operand #%v: %w", i, err)
			}
		default:
			return fmt.Errorf("operand #%v has unknown kind %T", i, arg)
		}
		if ctx.uses[arg] == nil {
			ctx.uses[arg] = make(useSet)
		}
		ctx.uses[arg][op]++
	}
	return nil
}

func (ctx *validCtx) checkDominance(def, use *Op) error {
	dp, ok := ctx.pos[def]
	if !ok {
		return fmt.Errorf("refers to an op outside of the function")
	}
	if def.Code.IsTerminator() {
		return fmt.Errorf("refers to a terminator")
	}
	up := ctx.pos[use]
	if ctx.dom[up[0]] == nil {
		// Uses in unreachable blocks are not constrained.
		return nil
	}
	if dp[0] == up[0] {
		if dp[1] >= up[1] {
			return fmt.Errorf("used before definition")
		}
		return nil
	}
	if !ctx.dom[up[0]][dp[0]] {
		return fmt.Errorf("definition in block %v does not dominate the use",
			ctx.f.Blocks[dp[0]].Name)
	}
	return nil
}

// dominators returns for each block the set of blocks dominating it,
// or nil for blocks unreachable from the entry.
func dominators(f *Func) [][]bool {
	n := len(f.Blocks)
	if n == 0 {
		return nil
	}
	index := make(map[*Block]int, n)
	for i, b := range f.Blocks {
		index[b] = i
	}
	preds := make([][]int, n)
	reachable := make([]bool, n)
	var visit func(i int)
	visit = func(i int) {
		if reachable[i] {
			return
		}
		reachable[i] = true
		if term := f.Blocks[i].Terminator(); term != nil {
			for _, t := range term.Targets {
				j, ok := index[t]
				if !ok {
					continue
				}
				preds[j] = append(preds[j], i)
				visit(j)
			}
		}
	}
	visit(0)
	dom := make([][]bool, n)
	for i := range dom {
		if !reachable[i] {
			continue
		}
		dom[i] = make([]bool, n)
		for j := range dom[i] {
			dom[i][j] = i != 0 || j == 0
		}
	}
	for changed := true; changed; {
		changed = false
		for i := 1; i < n; i++ {
			if dom[i] == nil {
				continue
			}
			for j := 0; j < n; j++ {
				v := j == i
				if !v {
					v = true
					for _, p := range preds[i] {
						if dom[p] != nil && !dom[p][j] {
							v = false
							break
						}
					}
				}
				if dom[i][j] != v {
					dom[i][j] = v
					changed = true
				}
			}
		}
	}
	return dom
}

func describe(v Value) string {
	switch a := v.(type) {
	case *Param:
		return "%" + a.Name
	case *Op:
		return fmt.Sprintf("%v op", a.Code)
	}
	return fmt.Sprintf("%T", v)
}
