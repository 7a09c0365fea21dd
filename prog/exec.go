// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrDivByZero    = errors.New("division by zero")
	ErrDivOverflow  = errors.New("signed division overflow")
	ErrShiftTooWide = errors.New("shift amount exceeds width")
	ErrStepLimit    = errors.New("step limit exceeded")
)

// DefaultStepLimit bounds the number of ops executed by a single run.
const DefaultStepLimit = 1 << 20

// Executor interprets a function with two's-complement modular arithmetic.
type Executor struct {
	Func      *Func
	StepLimit int
	vals      map[Value]uint64
}

func NewExecutor(f *Func) *Executor {
	return &Executor{
		Func:      f,
		StepLimit: DefaultStepLimit,
	}
}

// Eval runs the function on the given arguments.
func (f *Func) Eval(args ...uint64) (uint64, error) {
	return NewExecutor(f).Run(args...)
}

// Run executes the function. Arguments are truncated to the param widths.
func (e *Executor) Run(args ...uint64) (uint64, error) {
	f := e.Func
	if f.IsDeclaration() {
		return 0, fmt.Errorf("function %v is a declaration", f.Name)
	}
	if len(args) != len(f.Params) {
		return 0, fmt.Errorf("function %v: want %v arguments, got %v", f.Name, len(f.Params), len(args))
	}
	e.vals = make(map[Value]uint64, f.NumOps()+len(args))
	for i, p := range f.Params {
		e.vals[p] = truncateToBitSize(args[i], p.Bits)
	}
	b := f.Entry()
	for steps := 0; ; {
		var next *Block
		for _, op := range b.Ops {
			if steps++; e.StepLimit > 0 && steps > e.StepLimit {
				return 0, ErrStepLimit
			}
			switch op.Code {
			case OpRet:
				return e.value(op.Args[0]), nil
			case OpBr:
				next = op.Targets[0]
			case OpBrIf:
				if e.value(op.Args[0]) != 0 {
					next = op.Targets[0]
				} else {
					next = op.Targets[1]
				}
			default:
				res, err := e.exec(op)
				if err != nil {
					return 0, fmt.Errorf("block %v op #%v (%v): %w", b.Name, op.Index(), op.Code, err)
				}
				e.vals[op] = res
			}
		}
		if next == nil {
			return 0, fmt.Errorf("block %v falls through", b.Name)
		}
		b = next
	}
}

func (e *Executor) value(v Value) uint64 {
	if c, ok := v.(*Const); ok {
		return c.Val
	}
	val, ok := e.vals[v]
	if !ok {
		panic(fmt.Sprintf("use of undefined %v", describe(v)))
	}
	return val
}

func (e *Executor) exec(op *Op) (uint64, error) {
	bits := op.Bits
	if op.Code.IsUnary() {
		x := e.value(op.Args[0])
		if op.Code == OpNot {
			return truncateToBitSize(^x, bits), nil
		}
		return truncateToBitSize(-x, bits), nil
	}
	x, y := e.value(op.Args[0]), e.value(op.Args[1])
	return EvalBinary(op.Code, bits, x, y)
}

// EvalBinary computes a binary operation on values of the given width.
func EvalBinary(code Opcode, bits int, x, y uint64) (uint64, error) {
	var res uint64
	switch code {
	case OpAdd:
		res = x + y
	case OpSub:
		res = x - y
	case OpMul:
		res = x * y
	case OpAnd:
		res = x & y
	case OpOr:
		res = x | y
	case OpXor:
		res = x ^ y
	case OpUDiv, OpURem:
		if y == 0 {
			return 0, ErrDivByZero
		}
		if code == OpUDiv {
			res = x / y
		} else {
			res = x % y
		}
	case OpSDiv, OpSRem:
		sx, sy := signExtend(x, bits), signExtend(y, bits)
		if sy == 0 {
			return 0, ErrDivByZero
		}
		if sy == -1 && x == 1<<uint(bits-1) {
			return 0, ErrDivOverflow
		}
		if code == OpSDiv {
			res = uint64(sx / sy)
		} else {
			res = uint64(sx % sy)
		}
	case OpShl, OpLShr, OpAShr:
		if y >= uint64(bits) {
			return 0, ErrShiftTooWide
		}
		switch code {
		case OpShl:
			res = x << y
		case OpLShr:
			res = x >> y
		default:
			res = uint64(signExtend(x, bits) >> y)
		}
	case OpFDiv, OpFRem:
		return evalFloat(code, bits, x, y)
	default:
		return 0, fmt.Errorf("can't evaluate %v", code)
	}
	return truncateToBitSize(res, bits), nil
}

func evalFloat(code Opcode, bits int, x, y uint64) (uint64, error) {
	switch bits {
	case 32:
		fx, fy := math.Float32frombits(uint32(x)), math.Float32frombits(uint32(y))
		if code == OpFDiv {
			return uint64(math.Float32bits(fx / fy)), nil
		}
		return uint64(math.Float32bits(float32(math.Mod(float64(fx), float64(fy))))), nil
	case 64:
		fx, fy := math.Float64frombits(x), math.Float64frombits(y)
		if code == OpFDiv {
			return math.Float64bits(fx / fy), nil
		}
		return math.Float64bits(math.Mod(fx, fy)), nil
	}
	return 0, fmt.Errorf("%v on i%v", code, bits)
}

func signExtend(v uint64, bits int) int64 {
	shift := uint(MaxBits - bits)
	return int64(v<<shift) >> shift
}
