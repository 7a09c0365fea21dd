// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

func (m *Module) Clone() *Module {
	m1 := new(Module)
	for _, f := range m.Funcs {
		m1.AddFunc(f.Clone())
	}
	if debug {
		if err := m1.Validate(); err != nil {
			panic(err)
		}
	}
	return m1
}

// Clone returns a deep copy of the function. The copy is not attached to any module.
func (f *Func) Clone() *Func {
	f1 := &Func{
		Name:       f.Name,
		RetBits:    f.RetBits,
		Annotation: f.Annotation,
		Metadata:   append([]string(nil), f.Metadata...),
		External:   f.External,
	}
	newvals := make(map[Value]Value)
	for _, p := range f.Params {
		p1 := NewParam(p.Name, p.Bits)
		p1.Func = f1
		f1.Params = append(f1.Params, p1)
		newvals[p] = p1
	}
	newblocks := make(map[*Block]*Block)
	for _, b := range f.Blocks {
		newblocks[b] = f1.AddBlock(b.Name)
	}
	// Ops may refer to values defined in blocks that come later in the list,
	// so all results are created first and operands are wired afterwards.
	for _, b := range f.Blocks {
		for _, op := range b.Ops {
			newvals[op] = &Op{Code: op.Code, Bits: op.Bits}
		}
	}
	for _, b := range f.Blocks {
		b1 := newblocks[b]
		ops := make([]*Op, 0, len(b.Ops))
		for _, op := range b.Ops {
			op1 := newvals[op].(*Op)
			for _, arg := range op.Args {
				op1.Args = append(op1.Args, cloneValue(arg, newvals))
			}
			for _, t := range op.Targets {
				op1.Targets = append(op1.Targets, newblocks[t])
			}
			ops = append(ops, op1)
		}
		b1.Append(ops...)
	}
	return f1
}

func cloneValue(v Value, newvals map[Value]Value) Value {
	if c, ok := v.(*Const); ok {
		return NewConst(c.Val, c.Bits)
	}
	v1, ok := newvals[v]
	if !ok {
		panic("operand refers to a value outside of the function")
	}
	return v1
}
