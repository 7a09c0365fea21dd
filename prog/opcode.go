// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"fmt"
)

type Opcode int

const (
	OpInvalid Opcode = iota

	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor

	OpUDiv
	OpSDiv
	OpFDiv
	OpURem
	OpSRem
	OpFRem
	OpShl
	OpLShr
	OpAShr

	OpNot
	OpNeg

	OpBr
	OpBrIf
	OpRet

	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	OpInvalid: "invalid",
	OpAdd:     "add",
	OpSub:     "sub",
	OpMul:     "mul",
	OpAnd:     "and",
	OpOr:      "or",
	OpXor:     "xor",
	OpUDiv:    "udiv",
	OpSDiv:    "sdiv",
	OpFDiv:    "fdiv",
	OpURem:    "urem",
	OpSRem:    "srem",
	OpFRem:    "frem",
	OpShl:     "shl",
	OpLShr:    "lshr",
	OpAShr:    "ashr",
	OpNot:     "not",
	OpNeg:     "neg",
	OpBr:      "br",
	OpBrIf:    "brif",
	OpRet:     "ret",
}

func (code Opcode) String() string {
	if code < 0 || code >= opcodeCount {
		return fmt.Sprintf("opcode(%d)", int(code))
	}
	return opcodeNames[code]
}

func ParseOpcode(name string) (Opcode, bool) {
	for code, n := range opcodeNames {
		if n == name && Opcode(code) != OpInvalid {
			return Opcode(code), true
		}
	}
	return OpInvalid, false
}

// IsBinary reports whether the opcode is a two-operand arithmetic or bitwise operation.
func (code Opcode) IsBinary() bool {
	return code >= OpAdd && code <= OpAShr
}

func (code Opcode) IsUnary() bool {
	return code == OpNot || code == OpNeg
}

func (code Opcode) IsTerminator() bool {
	return code == OpBr || code == OpBrIf || code == OpRet
}

// IsFloat reports whether the opcode interprets its operands as IEEE floats.
func (code Opcode) IsFloat() bool {
	return code == OpFDiv || code == OpFRem
}

// AllOpcodes returns all valid opcodes in declaration order.
func AllOpcodes() []Opcode {
	var res []Opcode
	for code := OpInvalid + 1; code < opcodeCount; code++ {
		res = append(res, code)
	}
	return res
}
