// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// String generates a very compact module description (mostly for debug output).
func (m *Module) String() string {
	buf := new(bytes.Buffer)
	for i, f := range m.Funcs {
		if i != 0 {
			fmt.Fprintf(buf, "-")
		}
		fmt.Fprintf(buf, "%v[%v]", f.Name, f.NumOps())
	}
	return buf.String()
}

// Serialize produces the text form of the module.
// Op results are numbered sequentially, so isomorphic modules serialize identically.
func (m *Module) Serialize() []byte {
	buf := new(bytes.Buffer)
	for i, f := range m.Funcs {
		if i != 0 {
			buf.WriteByte('\n')
		}
		f.serialize(buf)
	}
	return buf.Bytes()
}

func (f *Func) Serialize() []byte {
	buf := new(bytes.Buffer)
	f.serialize(buf)
	return buf.Bytes()
}

func (f *Func) serialize(buf io.Writer) {
	if f.External {
		fmt.Fprintf(buf, "external ")
	}
	if f.IsDeclaration() {
		fmt.Fprintf(buf, "declare ")
	} else {
		fmt.Fprintf(buf, "func ")
	}
	fmt.Fprintf(buf, "%v(", f.Name)
	vars := make(map[Value]string)
	for i, p := range f.Params {
		if i != 0 {
			fmt.Fprintf(buf, ", ")
		}
		fmt.Fprintf(buf, "i%v %%%v", p.Bits, p.Name)
		vars[p] = "%" + p.Name
	}
	fmt.Fprintf(buf, ") i%v", f.RetBits)
	if f.Annotation != "" {
		fmt.Fprintf(buf, " annotate(%v)", strconv.Quote(f.Annotation))
	}
	if len(f.Metadata) != 0 {
		fmt.Fprintf(buf, " metadata(")
		for i, md := range f.Metadata {
			if i != 0 {
				fmt.Fprintf(buf, ", ")
			}
			fmt.Fprintf(buf, "%v", strconv.Quote(md))
		}
		fmt.Fprintf(buf, ")")
	}
	if f.IsDeclaration() {
		fmt.Fprintf(buf, "\n")
		return
	}
	fmt.Fprintf(buf, " {\n")
	seq := 0
	for _, b := range f.Blocks {
		for _, op := range b.Ops {
			if !op.Code.IsTerminator() {
				vars[op] = fmt.Sprintf("%%%v", seq)
				seq++
			}
		}
	}
	for _, b := range f.Blocks {
		fmt.Fprintf(buf, "%v:\n", b.Name)
		for _, op := range b.Ops {
			fmt.Fprintf(buf, "  ")
			op.serialize(buf, vars)
			fmt.Fprintf(buf, "\n")
		}
	}
	fmt.Fprintf(buf, "}\n")
}

func (op *Op) serialize(buf io.Writer, vars map[Value]string) {
	if !op.Code.IsTerminator() {
		fmt.Fprintf(buf, "%v = %v i%v ", vars[op], op.Code, op.Bits)
	} else {
		fmt.Fprintf(buf, "%v", op.Code)
		if len(op.Args)+len(op.Targets) != 0 {
			fmt.Fprintf(buf, " ")
		}
	}
	for i, arg := range op.Args {
		if i != 0 {
			fmt.Fprintf(buf, ", ")
		}
		serializeValue(buf, arg, vars)
	}
	for i, t := range op.Targets {
		if i != 0 || len(op.Args) != 0 {
			fmt.Fprintf(buf, ", ")
		}
		fmt.Fprintf(buf, "%v", t.Name)
	}
}

func serializeValue(buf io.Writer, v Value, vars map[Value]string) {
	switch v1 := v.(type) {
	case *Const:
		fmt.Fprintf(buf, "0x%x", v1.Val)
	case nil:
		fmt.Fprintf(buf, "nil")
	default:
		name, ok := vars[v]
		if !ok {
			panic(fmt.Sprintf("reference to a value outside of the function: %#v", v))
		}
		fmt.Fprintf(buf, "%v", name)
	}
}

// Deserialize parses a module in the format produced by Serialize
// and validates the result.
func Deserialize(data []byte) (*Module, error) {
	m := new(Module)
	p := &parser{r: bufio.NewScanner(bytes.NewReader(data))}
	p.r.Buffer(nil, 1<<20)
	var fs *funcState
	for p.Scan() {
		p.SkipWs()
		if p.EOF() || p.Char() == '#' {
			continue
		}
		if fs == nil {
			f, body, err := parseHeader(p)
			if err != nil {
				return nil, err
			}
			m.AddFunc(f)
			if body {
				fs = newFuncState(f)
			}
			continue
		}
		if p.Char() == '}' {
			p.Parse('}')
			if !p.EOF() {
				return nil, fmt.Errorf("tailing data (line #%v)", p.l)
			}
			if err := fs.finish(); err != nil {
				return nil, err
			}
			fs = nil
			continue
		}
		if err := fs.parseLine(p); err != nil {
			return nil, err
		}
	}
	if p.Err() != nil {
		return nil, p.Err()
	}
	if fs != nil {
		return nil, fmt.Errorf("function %v is not terminated", fs.f.Name)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseHeader(p *parser) (*Func, bool, error) {
	f := new(Func)
	kw := p.Ident()
	if kw == "external" {
		f.External = true
		kw = p.Ident()
	}
	var body bool
	switch kw {
	case "func":
		body = true
	case "declare":
	default:
		p.failf("want func or declare, got %q", kw)
	}
	f.Name = p.Ident()
	p.Parse('(')
	for p.e == nil && p.Char() != ')' {
		bits := p.Type()
		p.Parse('%')
		name := p.Ident()
		if name != "" && name[0] >= '0' && name[0] <= '9' {
			p.failf("parameter name %q starts with a digit", name)
		}
		f.Params = append(f.Params, NewParam(name, bits))
		if p.Char() != ')' {
			p.Parse(',')
		}
	}
	p.Parse(')')
	f.RetBits = p.Type()
	for p.e == nil && !p.EOF() && p.Char() != '{' {
		switch attr := p.Ident(); attr {
		case "annotate":
			p.Parse('(')
			f.Annotation = p.Quoted()
			p.Parse(')')
		case "metadata":
			p.Parse('(')
			for p.e == nil && p.Char() != ')' {
				f.Metadata = append(f.Metadata, p.Quoted())
				if p.Char() != ')' {
					p.Parse(',')
				}
			}
			p.Parse(')')
		default:
			p.failf("unknown function attribute %q", attr)
		}
	}
	if body {
		p.Parse('{')
	}
	if p.e == nil && !p.EOF() {
		p.failf("tailing data")
	}
	if p.e != nil {
		return nil, false, p.e
	}
	return f, body, nil
}

type fixup struct {
	op   *Op
	idx  int
	name string
	line int
}

type funcState struct {
	f       *Func
	vars    map[string]Value
	blocks  map[string]*Block
	pending map[*Block][]*Op
	fixups  []fixup
	targets []fixup
	cur     *Block
}

func newFuncState(f *Func) *funcState {
	fs := &funcState{
		f:       f,
		vars:    make(map[string]Value),
		blocks:  make(map[string]*Block),
		pending: make(map[*Block][]*Op),
	}
	for _, param := range f.Params {
		fs.vars[param.Name] = param
	}
	return fs
}

func (fs *funcState) parseLine(p *parser) error {
	if p.Char() != '%' {
		name := p.Ident()
		if p.e == nil && !p.EOF() && p.Char() == ':' {
			p.Parse(':')
			if !p.EOF() {
				return fmt.Errorf("tailing data after label (line #%v)", p.l)
			}
			if fs.blocks[name] != nil {
				return fmt.Errorf("duplicate block %v (line #%v)", name, p.l)
			}
			fs.cur = fs.f.AddBlock(name)
			fs.blocks[name] = fs.cur
			return nil
		}
		if p.e != nil {
			return p.e
		}
		code, ok := ParseOpcode(name)
		if !ok || !code.IsTerminator() {
			return fmt.Errorf("unknown terminator %q (line #%v)", name, p.l)
		}
		return fs.parseTerminator(p, code)
	}
	p.Parse('%')
	res := p.Ident()
	p.Parse('=')
	name := p.Ident()
	if p.e != nil {
		return p.e
	}
	code, ok := ParseOpcode(name)
	if !ok || code.IsTerminator() {
		return fmt.Errorf("unknown opcode %q (line #%v)", name, p.l)
	}
	bits := p.Type()
	op := &Op{Code: code, Bits: bits}
	for p.e == nil && !p.EOF() {
		fs.parseArg(p, op, bits)
		if !p.EOF() {
			p.Parse(',')
		}
	}
	if p.e != nil {
		return p.e
	}
	if _, dup := fs.vars[res]; dup {
		return fmt.Errorf("value %%%v is redefined (line #%v)", res, p.l)
	}
	fs.vars[res] = op
	return fs.add(op, p)
}

func (fs *funcState) parseTerminator(p *parser, code Opcode) error {
	op := &Op{Code: code}
	switch code {
	case OpRet:
		if !p.EOF() {
			fs.parseArg(p, op, fs.f.RetBits)
		}
	case OpBr:
		fs.parseTarget(p, op)
	case OpBrIf:
		fs.parseArg(p, op, 1)
		p.Parse(',')
		fs.parseTarget(p, op)
		p.Parse(',')
		fs.parseTarget(p, op)
	}
	if p.e == nil && !p.EOF() {
		p.failf("tailing data")
	}
	if p.e != nil {
		return p.e
	}
	return fs.add(op, p)
}

func (fs *funcState) add(op *Op, p *parser) error {
	if fs.cur == nil {
		return fmt.Errorf("op outside of a block (line #%v)", p.l)
	}
	fs.pending[fs.cur] = append(fs.pending[fs.cur], op)
	return nil
}

func (fs *funcState) parseArg(p *parser, op *Op, bits int) {
	switch ch := p.Char(); {
	case ch == '%':
		p.Parse('%')
		name := p.Ident()
		op.Args = append(op.Args, nil)
		fs.fixups = append(fs.fixups, fixup{op, len(op.Args) - 1, name, p.l})
	case ch >= '0' && ch <= '9':
		val := p.Ident()
		v, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			p.failf("wrong constant value '%v': %v", val, err)
			return
		}
		if v != truncateToBitSize(v, bits) {
			p.failf("constant %v does not fit into i%v", val, bits)
			return
		}
		op.Args = append(op.Args, NewConst(v, bits))
	default:
		p.failf("failed to parse operand")
	}
}

func (fs *funcState) parseTarget(p *parser, op *Op) {
	name := p.Ident()
	op.Targets = append(op.Targets, nil)
	fs.targets = append(fs.targets, fixup{op, len(op.Targets) - 1, name, p.l})
}

func (fs *funcState) finish() error {
	for _, fix := range fs.fixups {
		v, ok := fs.vars[fix.name]
		if !ok {
			return fmt.Errorf("reference to unknown value %%%v (line #%v)", fix.name, fix.line)
		}
		fix.op.Args[fix.idx] = v
	}
	for _, fix := range fs.targets {
		b, ok := fs.blocks[fix.name]
		if !ok {
			return fmt.Errorf("branch to unknown block %v (line #%v)", fix.name, fix.line)
		}
		fix.op.Targets[fix.idx] = b
	}
	if len(fs.f.Blocks) == 0 {
		return fmt.Errorf("function %v has no blocks", fs.f.Name)
	}
	for _, b := range fs.f.Blocks {
		b.Append(fs.pending[b]...)
	}
	return nil
}

type parser struct {
	r *bufio.Scanner
	s string
	i int
	l int
	e error
}

func (p *parser) Scan() bool {
	if p.e != nil {
		return false
	}
	if !p.r.Scan() {
		p.e = p.r.Err()
		return false
	}
	p.s = strings.TrimRight(p.r.Text(), " \t\r")
	p.i = 0
	p.l++
	return true
}

func (p *parser) Err() error {
	return p.e
}

func (p *parser) EOF() bool {
	return p.i == len(p.s)
}

func (p *parser) Char() byte {
	if p.e != nil {
		return 0
	}
	if p.EOF() {
		p.failf("unexpected eof")
		return 0
	}
	return p.s[p.i]
}

func (p *parser) Parse(ch byte) {
	if p.e != nil {
		return
	}
	if p.EOF() {
		p.failf("want %s, got EOF", string(ch))
		return
	}
	if p.s[p.i] != ch {
		p.failf("want '%v', got '%v'", string(ch), string(p.s[p.i]))
		return
	}
	p.i++
	p.SkipWs()
}

func (p *parser) SkipWs() {
	for p.i < len(p.s) && (p.s[p.i] == ' ' || p.s[p.i] == '\t') {
		p.i++
	}
}

func (p *parser) Ident() string {
	if p.e != nil {
		return ""
	}
	i := p.i
	for p.i < len(p.s) &&
		(p.s[p.i] >= 'a' && p.s[p.i] <= 'z' ||
			p.s[p.i] >= 'A' && p.s[p.i] <= 'Z' ||
			p.s[p.i] >= '0' && p.s[p.i] <= '9' ||
			p.s[p.i] == '_' || p.s[p.i] == '.' || p.s[p.i] == '$') {
		p.i++
	}
	if i == p.i {
		p.failf("failed to parse identifier at pos %v", i)
		return ""
	}
	s := p.s[i:p.i]
	p.SkipWs()
	return s
}

// Type parses an integer type of the form iN.
func (p *parser) Type() int {
	typ := p.Ident()
	if p.e != nil {
		return 0
	}
	bits, err := strconv.Atoi(strings.TrimPrefix(typ, "i"))
	if !strings.HasPrefix(typ, "i") || err != nil || bits <= 0 || bits > MaxBits {
		p.failf("bad type %q", typ)
		return 0
	}
	return bits
}

// Quoted parses a Go-syntax double-quoted string.
func (p *parser) Quoted() string {
	if p.e != nil {
		return ""
	}
	if p.EOF() || p.s[p.i] != '"' {
		p.failf("want quoted string")
		return ""
	}
	end := p.i + 1
	for ; end < len(p.s) && p.s[end] != '"'; end++ {
		if p.s[end] == '\\' {
			end++
		}
	}
	if end >= len(p.s) {
		p.failf("unterminated string")
		return ""
	}
	s, err := strconv.Unquote(p.s[p.i : end+1])
	if err != nil {
		p.failf("bad string: %v", err)
		return ""
	}
	p.i = end + 1
	p.SkipWs()
	return s
}

func (p *parser) failf(msg string, args ...interface{}) {
	if p.e != nil {
		return
	}
	p.e = fmt.Errorf("%v\nline #%v: %v", fmt.Sprintf(msg, args...), p.l, p.s)
}
