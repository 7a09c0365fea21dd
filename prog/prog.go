// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"fmt"
	"slices"
)

// MaxBits is the widest integer type the IR supports.
const MaxBits = 64

type Module struct {
	Funcs []*Func
}

type Func struct {
	Module  *Module
	Name    string
	Params  []*Param
	RetBits int
	Blocks  []*Block
	// Annotation is the free-form annotation string attached to the function
	// in source (e.g. "fla sub nobcf").
	Annotation string
	// Metadata holds the obfuscation metadata tuple, one string per entry
	// (e.g. "sub", "nosub", "sub_loop=3").
	Metadata []string
	// External marks available-externally definitions which must not be transformed.
	External bool
}

type Block struct {
	Func *Func
	Name string
	Ops  []*Op
}

// Value is anything that can be used as an operand: constants, parameters and op results.
type Value interface {
	Width() int
}

type Const struct {
	Val  uint64
	Bits int
}

type Param struct {
	Func *Func
	Name string
	Bits int
	uses useSet
}

type Op struct {
	Code    Opcode
	Bits    int
	Args    []Value
	Targets []*Block
	Block   *Block
	uses    useSet
}

// useSet maps a user op to the number of operand slots referring to the value.
type useSet map[*Op]int

func (c *Const) Width() int { return c.Bits }
func (p *Param) Width() int { return p.Bits }
func (op *Op) Width() int   { return op.Bits }

func NewConst(v uint64, bits int) *Const {
	return &Const{Val: truncateToBitSize(v, bits), Bits: bits}
}

// NewOp creates a detached op. Uses of the operands are registered
// when the op is inserted into a block.
func NewOp(code Opcode, bits int, args ...Value) *Op {
	return &Op{Code: code, Bits: bits, Args: args}
}

func NewParam(name string, bits int) *Param {
	return &Param{Name: name, Bits: bits}
}

func (f *Func) IsDeclaration() bool {
	return len(f.Blocks) == 0
}

func (f *Func) AddBlock(name string) *Block {
	b := &Block{Func: f, Name: name}
	f.Blocks = append(f.Blocks, b)
	return b
}

func (f *Func) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// NumOps returns the total number of ops in all blocks of the function.
func (f *Func) NumOps() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Ops)
	}
	return n
}

// CountOps returns the number of ops of each opcode in the function.
func (f *Func) CountOps() map[Opcode]int {
	res := make(map[Opcode]int)
	for _, b := range f.Blocks {
		for _, op := range b.Ops {
			res[op.Code]++
		}
	}
	return res
}

func (m *Module) Func(name string) *Func {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (m *Module) AddFunc(f *Func) {
	f.Module = m
	for _, p := range f.Params {
		p.Func = f
	}
	m.Funcs = append(m.Funcs, f)
}

func uses(v Value) *useSet {
	switch v1 := v.(type) {
	case *Op:
		return &v1.uses
	case *Param:
		return &v1.uses
	}
	return nil
}

func addUse(v Value, user *Op) {
	u := uses(v)
	if u == nil {
		return
	}
	if *u == nil {
		*u = make(useSet)
	}
	(*u)[user]++
}

func removeUse(v Value, user *Op) {
	u := uses(v)
	if u == nil {
		return
	}
	if (*u)[user] == 0 {
		panic(fmt.Sprintf("removing non-existent use of %T by %v", v, user.Code))
	}
	(*u)[user]--
	if (*u)[user] == 0 {
		delete(*u, user)
	}
}

func sortedUsers(u useSet) []*Op {
	res := make([]*Op, 0, len(u))
	for op := range u {
		res = append(res, op)
	}
	sortOps(res)
	return res
}

// Uses returns the distinct ops consuming the result, in program order.
func (op *Op) Uses() []*Op {
	return sortedUsers(op.uses)
}

func (op *Op) NumUses() int {
	return len(op.uses)
}

func (p *Param) Uses() []*Op {
	return sortedUsers(p.uses)
}

func (p *Param) NumUses() int {
	return len(p.uses)
}

// Index returns position of the op within its block, or -1 for detached ops.
func (op *Op) Index() int {
	if op.Block == nil {
		return -1
	}
	for i, op1 := range op.Block.Ops {
		if op1 == op {
			return i
		}
	}
	panic("op is not present in its block")
}

// SetArg replaces operand idx maintaining use sets.
func (op *Op) SetArg(idx int, v Value) {
	if op.Block != nil {
		removeUse(op.Args[idx], op)
		addUse(v, op)
	}
	op.Args[idx] = v
}

// ReplaceAllUsesWith redirects every consumer of the op result to v.
// The op itself stays in its block.
func (op *Op) ReplaceAllUsesWith(v Value) {
	if v == Value(op) {
		return
	}
	// Visiting order does not affect the result.
	// SetArg deletes the visited entry, which is allowed during range.
	for user := range op.uses {
		for i, arg := range user.Args {
			if arg == Value(op) {
				user.SetArg(i, v)
			}
		}
	}
}

// Remove deletes a dead op from its block.
func (op *Op) Remove() error {
	if op.Block == nil {
		return fmt.Errorf("op %v is not in a block", op.Code)
	}
	if len(op.uses) != 0 {
		return fmt.Errorf("op %v still has %v users", op.Code, len(op.uses))
	}
	b := op.Block
	idx := op.Index()
	b.Ops = append(b.Ops[:idx], b.Ops[idx+1:]...)
	for _, arg := range op.Args {
		removeUse(arg, op)
	}
	op.Block = nil
	return nil
}

// RemoveDead removes the ops from the list that have no users.
// The list is walked backwards, so an op used only by ops removed
// later in the list goes as well. Each affected block is rebuilt once.
// It returns the number of removed ops.
func RemoveDead(ops []*Op) int {
	removed := make(map[*Op]bool)
	var blocks []*Block
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Block == nil || removed[op] || len(op.uses) != 0 {
			continue
		}
		for _, arg := range op.Args {
			removeUse(arg, op)
		}
		if !slices.Contains(blocks, op.Block) {
			blocks = append(blocks, op.Block)
		}
		removed[op] = true
	}
	for _, b := range blocks {
		live := b.Ops[:0]
		for _, op := range b.Ops {
			if removed[op] {
				op.Block = nil
				continue
			}
			live = append(live, op)
		}
		clear(b.Ops[len(live):])
		b.Ops = live
	}
	return len(removed)
}

func (b *Block) attach(ops []*Op) {
	for _, op := range ops {
		if op.Block != nil {
			panic(fmt.Sprintf("op %v is already in block %v", op.Code, op.Block.Name))
		}
		op.Block = b
		for _, arg := range op.Args {
			addUse(arg, op)
		}
	}
}

func (b *Block) insertAt(idx int, ops []*Op) {
	b.attach(ops)
	b.Ops = slices.Insert(b.Ops, idx, ops...)
}

// InsertBefore inserts ops (in order) immediately before ref.
func (b *Block) InsertBefore(ref *Op, ops ...*Op) {
	if ref.Block != b {
		panic("insertion point is not in the block")
	}
	b.insertAt(ref.Index(), ops)
}

// InsertAfter inserts ops (in order) immediately after ref.
func (b *Block) InsertAfter(ref *Op, ops ...*Op) {
	if ref.Block != b {
		panic("insertion point is not in the block")
	}
	b.insertAt(ref.Index()+1, ops)
}

func (b *Block) Append(ops ...*Op) {
	b.insertAt(len(b.Ops), ops)
}

// Editor batches insertions into a block.
// Inserted ops join the block and the use sets of their operands right away,
// but they are placed into Ops only by Commit, which rebuilds the list once.
// Until then Index panics on them and the block does not validate.
type Editor struct {
	b      *Block
	before map[*Op][]*Op
	n      int
}

func (b *Block) Edit() *Editor {
	return &Editor{
		b:      b,
		before: make(map[*Op][]*Op),
	}
}

// InsertBefore queues ops (in order) to be placed before ref.
// ref must already be in the block's Ops.
func (e *Editor) InsertBefore(ref *Op, ops ...*Op) {
	if ref.Block != e.b {
		panic("insertion point is not in the block")
	}
	e.b.attach(ops)
	e.before[ref] = append(e.before[ref], ops...)
	e.n += len(ops)
}

// Commit places all queued ops into the block.
func (e *Editor) Commit() {
	if e.n == 0 {
		return
	}
	newOps := make([]*Op, 0, len(e.b.Ops)+e.n)
	for _, op := range e.b.Ops {
		newOps = append(newOps, e.before[op]...)
		newOps = append(newOps, op)
		e.n -= len(e.before[op])
	}
	if e.n != 0 {
		panic(fmt.Sprintf("%v queued ops have an insertion point outside of block %v", e.n, e.b.Name))
	}
	e.b.Ops = newOps
	clear(e.before)
}

func (b *Block) Terminator() *Op {
	if len(b.Ops) == 0 {
		return nil
	}
	if last := b.Ops[len(b.Ops)-1]; last.Code.IsTerminator() {
		return last
	}
	return nil
}

func (b *Block) index() int {
	for i, b1 := range b.Func.Blocks {
		if b1 == b {
			return i
		}
	}
	panic("block is not present in its function")
}

// sortOps orders ops by (block index, position) so that iteration over use sets
// is deterministic.
func sortOps(ops []*Op) {
	if len(ops) < 2 {
		return
	}
	pos := make(map[*Op][2]int, len(ops))
	for _, op := range ops {
		bi, oi := -1, -1
		if op.Block != nil {
			bi, oi = op.Block.index(), op.Index()
		}
		pos[op] = [2]int{bi, oi}
	}
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0; j-- {
			a, b := pos[ops[j-1]], pos[ops[j]]
			if a[0] < b[0] || a[0] == b[0] && a[1] <= b[1] {
				break
			}
			ops[j-1], ops[j] = ops[j], ops[j-1]
		}
	}
}

func truncateToBitSize(v uint64, bitSize int) uint64 {
	if bitSize <= 0 || bitSize > MaxBits {
		panic(fmt.Sprintf("invalid bitSize value: %d", bitSize))
	}
	if bitSize == MaxBits {
		return v
	}
	return v & (1<<uint(bitSize) - 1)
}

// Mask returns the all-ones value of the given width.
func Mask(bits int) uint64 {
	return truncateToBitSize(^uint64(0), bits)
}
