// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package subst

import (
	"fmt"

	"github.com/obfkit/obfkit/prog"
)

// Rule rewrites a single binary op into an equivalent chain of ops.
type Rule struct {
	Name string
	Code prog.Opcode
	// build emits the chain computing x <op> y and returns its final op.
	build func(b *builder, x, y prog.Value) *prog.Op
}

func (r *Rule) String() string {
	return r.Name
}

// Apply rewrites op: the replacement chain is inserted before op and all uses of op
// are redirected to the chain result. op itself stays in place with no users.
// Apply returns false without touching the IR if op is not a two-operand op of the rule's opcode.
func (r *Rule) Apply(op *prog.Op, rnd prog.Rand) bool {
	if !r.matches(op) {
		return false
	}
	_, ok := r.apply(op.Block, op, rnd, false)
	return ok
}

func (r *Rule) matches(op *prog.Op) bool {
	return op.Code == r.Code && len(op.Args) == 2 && op.Block != nil
}

// apply emits the chain through ins and returns the number of generated ops.
func (r *Rule) apply(ins inserter, op *prog.Op, rnd prog.Rand, expand bool) (int, bool) {
	if !r.matches(op) {
		return 0, false
	}
	b := newBuilder(ins, op, op.Bits, rnd, expand)
	res := r.build(b, op.Args[0], op.Args[1])
	n := b.flush()
	op.ReplaceAllUsesWith(res)
	return n, true
}

// Catalog returns the rewrite tables for all rewritable opcodes.
// The returned slices are fresh copies and can be modified by the caller.
func Catalog() map[prog.Opcode][]*Rule {
	res := make(map[prog.Opcode][]*Rule, len(catalog))
	for code, rules := range catalog {
		res[code] = append([]*Rule(nil), rules...)
	}
	return res
}

// RuleNames returns names of all rules in catalog order.
func RuleNames() []string {
	var names []string
	for _, code := range rewritable {
		for _, r := range catalog[code] {
			names = append(names, r.Name)
		}
	}
	return names
}

// LookupRule returns the rule with the given name.
func LookupRule(name string) *Rule {
	return ruleByName[name]
}

var (
	rewritable = []prog.Opcode{prog.OpAdd, prog.OpSub, prog.OpMul, prog.OpAnd, prog.OpOr, prog.OpXor}
	catalog    = map[prog.Opcode][]*Rule{
		prog.OpAdd: addRules,
		prog.OpSub: subRules,
		prog.OpMul: mulRules,
		prog.OpAnd: andRules,
		prog.OpOr:  orRules,
		prog.OpXor: xorRules,
	}
	ruleByName = make(map[string]*Rule)
)

func init() {
	for code, rules := range catalog {
		for _, r := range rules {
			if r.Code != code {
				panic(fmt.Sprintf("rule %v is in %v table, but rewrites %v", r.Name, code, r.Code))
			}
			if ruleByName[r.Name] != nil {
				panic(fmt.Sprintf("duplicate rule %v", r.Name))
			}
			ruleByName[r.Name] = r
		}
	}
}

var addRules = []*Rule{
	{
		// b - (-c)
		Name: "addNeg",
		Code: prog.OpAdd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			return b.op(prog.OpSub, x, b.neg(y))
		},
	},
	{
		// -(-b + -c)
		Name: "addDoubleNeg",
		Code: prog.OpAdd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			nx := b.neg(x)
			ny := b.neg(y)
			return b.neg(b.op(prog.OpAdd, nx, ny))
		},
	},
	{
		// (b + r) + c - r
		Name: "addRand",
		Code: prog.OpAdd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			r := b.mask()
			op := b.op(prog.OpAdd, x, r)
			op = b.op(prog.OpAdd, op, y)
			return b.op(prog.OpSub, op, r)
		},
	},
	{
		// (b - r) + c + r
		Name: "addRand2",
		Code: prog.OpAdd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			r := b.mask()
			op := b.op(prog.OpSub, x, r)
			op = b.op(prog.OpAdd, op, y)
			return b.op(prog.OpAdd, op, r)
		},
	},
	{
		// b - (~c - (-1))
		Name: "addSubstitution",
		Code: prog.OpAdd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			ny := b.not(y)
			minus1 := b.neg(b.konst(1))
			op := b.op(prog.OpSub, ny, minus1)
			return b.op(prog.OpSub, x, op)
		},
	},
	{
		// (b & c) + (b | c)
		Name: "addSubstitution2",
		Code: prog.OpAdd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			and := b.op(prog.OpAnd, x, y)
			or := b.op(prog.OpOr, x, y)
			return b.op(prog.OpAdd, and, or)
		},
	},
	{
		// (b ^ c) + (b & c) * 2
		Name: "addSubstitution3",
		Code: prog.OpAdd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			and := b.op(prog.OpAnd, x, y)
			twice := b.op(prog.OpMul, and, b.konst(2))
			xor := b.op(prog.OpXor, x, y)
			return b.op(prog.OpAdd, xor, twice)
		},
	},
}

var subRules = []*Rule{
	{
		// b + (-c)
		Name: "subNeg",
		Code: prog.OpSub,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			return b.op(prog.OpAdd, x, b.neg(y))
		},
	},
	{
		// (b + r) - c - r
		Name: "subRand",
		Code: prog.OpSub,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			r := b.mask()
			op := b.op(prog.OpAdd, x, r)
			op = b.op(prog.OpSub, op, y)
			return b.op(prog.OpSub, op, r)
		},
	},
	{
		// (b - r) - c + r
		Name: "subRand2",
		Code: prog.OpSub,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			r := b.mask()
			op := b.op(prog.OpSub, x, r)
			op = b.op(prog.OpSub, op, y)
			return b.op(prog.OpAdd, op, r)
		},
	},
	{
		// (b & ~c) - (~b & c)
		Name: "subSubstitution",
		Code: prog.OpSub,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			nx := b.not(x)
			left := b.op(prog.OpAnd, nx, y)
			ny := b.not(y)
			right := b.op(prog.OpAnd, x, ny)
			return b.op(prog.OpSub, right, left)
		},
	},
	{
		// 2 * (b & ~c) - (b ^ c)
		Name: "subSubstitution2",
		Code: prog.OpSub,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			xor := b.op(prog.OpXor, x, y)
			ny := b.not(y)
			op := b.op(prog.OpAnd, x, ny)
			op = b.op(prog.OpMul, b.konst(2), op)
			return b.op(prog.OpSub, op, xor)
		},
	},
	{
		// b + ~c + 1
		Name: "subSubstitution3",
		Code: prog.OpSub,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			ny := b.not(y)
			op := b.op(prog.OpAdd, x, ny)
			return b.op(prog.OpAdd, op, b.konst(1))
		},
	},
}

var mulRules = []*Rule{
	{
		// (b | c) * (b & c) + (b & ~c) * (c & ~b)
		Name: "mulSubstitution",
		Code: prog.OpMul,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			nx := b.not(x)
			ynx := b.op(prog.OpAnd, y, nx)
			ny := b.not(y)
			xny := b.op(prog.OpAnd, x, ny)
			cross := b.op(prog.OpMul, xny, ynx)
			and := b.op(prog.OpAnd, x, y)
			or := b.op(prog.OpOr, x, y)
			main := b.op(prog.OpMul, or, and)
			return b.op(prog.OpAdd, main, cross)
		},
	},
	{
		// (b | c) * (b & c) + ~(b | ~c) * (b & ~c)
		Name: "mulSubstitution2",
		Code: prog.OpMul,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			ny := b.not(y)
			xny := b.op(prog.OpAnd, x, ny)
			cross := b.not(b.op(prog.OpOr, x, ny))
			cross = b.op(prog.OpMul, cross, xny)
			and := b.op(prog.OpAnd, x, y)
			or := b.op(prog.OpOr, x, y)
			main := b.op(prog.OpMul, or, and)
			return b.op(prog.OpAdd, main, cross)
		},
	},
}

var andRules = []*Rule{
	{
		// (b ^ ~c) & b
		Name: "andSubstitution",
		Code: prog.OpAnd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			ny := b.not(y)
			xor := b.op(prog.OpXor, x, ny)
			return b.op(prog.OpAnd, xor, x)
		},
	},
	{
		// ~(~b | ~c) & (r | ~r)
		Name: "andSubstitutionRand",
		Code: prog.OpAnd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			r := b.mask()
			nx := b.not(x)
			ny := b.not(y)
			nr := b.not(r)
			or := b.op(prog.OpOr, nx, ny)
			ones := b.op(prog.OpOr, r, nr)
			return b.op(prog.OpAnd, b.not(or), ones)
		},
	},
	{
		// (b | c) & ~(b ^ c)
		Name: "andSubstitution2",
		Code: prog.OpAnd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			nxor := b.not(b.op(prog.OpXor, x, y))
			or := b.op(prog.OpOr, x, y)
			return b.op(prog.OpAnd, or, nxor)
		},
	},
	{
		// (~b | c) + (b + 1)
		Name: "andSubstitution3",
		Code: prog.OpAnd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			inc := b.op(prog.OpAdd, x, b.konst(1))
			op := b.op(prog.OpOr, b.not(x), y)
			return b.op(prog.OpAdd, op, inc)
		},
	},
	{
		// Nor(Nor(b, b), Nor(c, c))
		Name: "andNor",
		Code: prog.OpAnd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			nxx := b.nor(x, x)
			nyy := b.nor(y, y)
			return b.nor(nxx, nyy)
		},
	},
	{
		// Nand(Nand(b, c), Nand(b, c))
		Name: "andNand",
		Code: prog.OpAnd,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			n1 := b.nand(x, y)
			n2 := b.nand(x, y)
			return b.nand(n1, n2)
		},
	},
}

var orRules = []*Rule{
	{
		// (b & c) | (b ^ c)
		Name: "orSubstitution",
		Code: prog.OpOr,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			and := b.op(prog.OpAnd, x, y)
			xor := b.op(prog.OpXor, x, y)
			return b.op(prog.OpOr, and, xor)
		},
	},
	{
		// (((~b & r) | (b & ~r)) ^ ((~c & r) | (c & ~r))) | (~(~b | ~c) & (r | ~r))
		Name: "orSubstitutionRand",
		Code: prog.OpOr,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			r := b.mask()
			nx := b.not(x)
			ny := b.not(y)
			nr := b.not(r)
			op3 := b.op(prog.OpAnd, nx, r)
			op4 := b.op(prog.OpAnd, x, nr)
			op5 := b.op(prog.OpAnd, ny, r)
			op6 := b.op(prog.OpAnd, y, nr)
			maskedX := b.op(prog.OpOr, op3, op4)
			maskedY := b.op(prog.OpOr, op5, op6)
			xor := b.op(prog.OpXor, maskedX, maskedY)
			and := b.not(b.op(prog.OpOr, nx, ny))
			ones := b.op(prog.OpOr, r, nr)
			and = b.op(prog.OpAnd, and, ones)
			return b.op(prog.OpOr, xor, and)
		},
	},
	{
		// (b + (b ^ c)) - (b & ~c)
		Name: "orSubstitution2",
		Code: prog.OpOr,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			xny := b.op(prog.OpAnd, x, b.not(y))
			op := b.op(prog.OpXor, x, y)
			op = b.op(prog.OpAdd, x, op)
			return b.op(prog.OpSub, op, xny)
		},
	},
	{
		// (b + c + 1) + ~(c & b)
		Name: "orSubstitution3",
		Code: prog.OpOr,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			nand := b.not(b.op(prog.OpAnd, y, x))
			op := b.op(prog.OpAdd, x, y)
			op = b.op(prog.OpAdd, op, b.konst(1))
			return b.op(prog.OpAdd, op, nand)
		},
	},
	{
		// Nor(Nor(b, c), Nor(b, c))
		Name: "orNor",
		Code: prog.OpOr,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			n1 := b.nor(x, y)
			n2 := b.nor(x, y)
			return b.nor(n1, n2)
		},
	},
	{
		// Nand(Nand(b, b), Nand(c, c))
		Name: "orNand",
		Code: prog.OpOr,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			nxx := b.nand(x, x)
			nyy := b.nand(y, y)
			return b.nand(nxx, nyy)
		},
	},
}

var xorRules = []*Rule{
	{
		// (~b & c) | (b & ~c)
		Name: "xorSubstitution",
		Code: prog.OpXor,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			left := b.op(prog.OpAnd, y, b.not(x))
			right := b.op(prog.OpAnd, x, b.not(y))
			return b.op(prog.OpOr, left, right)
		},
	},
	{
		// ((~b & r) | (b & ~r)) ^ ((~c & r) | (c & ~r))
		Name: "xorSubstitutionRand",
		Code: prog.OpXor,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			r := b.mask()
			op := b.op(prog.OpAnd, r, b.not(x))
			nr := b.not(r)
			op1 := b.op(prog.OpAnd, x, nr)
			op2 := b.op(prog.OpAnd, b.not(y), r)
			op3 := b.op(prog.OpAnd, y, nr)
			maskedX := b.op(prog.OpOr, op, op1)
			maskedY := b.op(prog.OpOr, op2, op3)
			return b.op(prog.OpXor, maskedX, maskedY)
		},
	},
	{
		// (b + c) - 2 * (b & c)
		Name: "xorSubstitution2",
		Code: prog.OpXor,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			twice := b.op(prog.OpMul, b.konst(2), b.op(prog.OpAnd, x, y))
			sum := b.op(prog.OpAdd, x, y)
			return b.op(prog.OpSub, sum, twice)
		},
	},
	{
		// b - (2 * (c & ~(b ^ c)) - c)
		Name: "xorSubstitution3",
		Code: prog.OpXor,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			op := b.not(b.op(prog.OpXor, x, y))
			op = b.op(prog.OpAnd, y, op)
			op = b.op(prog.OpMul, b.konst(2), op)
			op = b.op(prog.OpSub, op, y)
			return b.op(prog.OpSub, x, op)
		},
	},
	{
		// Nor(Nor(Nor(b, b), Nor(c, c)), Nor(b, c))
		Name: "xorNor",
		Code: prog.OpXor,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			nxx := b.nor(x, x)
			nyy := b.nor(y, y)
			and := b.nor(nxx, nyy)
			nor := b.nor(x, y)
			return b.nor(and, nor)
		},
	},
	{
		// Nand(Nand(Nand(b, b), c), Nand(b, Nand(c, c)))
		Name: "xorNand",
		Code: prog.OpXor,
		build: func(b *builder, x, y prog.Value) *prog.Op {
			nxx := b.nand(x, x)
			left := b.nand(nxx, y)
			nyy := b.nand(y, y)
			right := b.nand(x, nyy)
			return b.nand(left, right)
		},
	},
}
