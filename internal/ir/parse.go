package ir

import (
	"strconv"
	"strings"

	"github.com/orizon-lang/orizon-codegen/internal/errtax"
)

// Parse reads the textual form (*Module).String produces back into a
// *Module, for the CLI driver's `compile` subcommand (§10.3) and test
// fixtures that prefer writing IR as text over constructing it by hand.
//
// The textual form is not a lossless serialization of every field: Call's
// RetType/Variadic, Intrinsic's Type, and Cast's Kind are never printed by
// String, so Parse fills them with the most common default for the
// construct (i64/non-variadic, a kind-appropriate type, and a plain
// bitcast) rather than failing -- good enough for a debug round-trip, not a
// substitute for building a *Module programmatically when those fields
// matter.
func Parse(src string) (*Module, error) {
	lines := splitLines(src)

	p := &moduleParser{lines: lines}

	return p.parseModule()
}

type moduleParser struct {
	lines []string
	pos   int
}

func splitLines(src string) []string {
	raw := strings.Split(src, "\n")

	out := make([]string, 0, len(raw))

	for _, l := range raw {
		if strings.TrimSpace(l) == "" {
			continue
		}

		out = append(out, l)
	}

	return out
}

func (p *moduleParser) peekLine() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}

	return strings.TrimSpace(p.lines[p.pos]), true
}

func (p *moduleParser) nextLine() (string, bool) {
	l, ok := p.peekLine()
	if ok {
		p.pos++
	}

	return l, ok
}

func (p *moduleParser) parseModule() (*Module, error) {
	line, ok := p.nextLine()
	if !ok || !strings.HasPrefix(line, "module ") {
		return nil, errtax.Input("IR_PARSE_MODULE_HEADER", "expected a leading \"module <name>\" line", map[string]interface{}{"line": line})
	}

	m := &Module{Name: strings.TrimSpace(strings.TrimPrefix(line, "module "))}

	for {
		line, ok := p.peekLine()
		if !ok {
			break
		}

		if !strings.HasPrefix(line, "func ") {
			return nil, errtax.Input("IR_PARSE_UNEXPECTED_LINE", "expected a \"func\" declaration", map[string]interface{}{"line": line})
		}

		fn, err := p.parseFunction()
		if err != nil {
			return nil, err
		}

		m.Functions = append(m.Functions, fn)
	}

	return m, nil
}

func (p *moduleParser) parseFunction() (*Function, error) {
	line, _ := p.nextLine()

	if !strings.HasSuffix(line, "{") {
		return nil, errtax.Input("IR_PARSE_FUNC_HEADER", "function header must end in \"{\"", map[string]interface{}{"line": line})
	}

	header := strings.TrimSpace(strings.TrimSuffix(line, "{"))
	header = strings.TrimPrefix(header, "func ")

	open := strings.Index(header, "(")
	shut := strings.LastIndex(header, ")")

	if open < 0 || shut < open {
		return nil, errtax.Input("IR_PARSE_FUNC_HEADER", "malformed function parameter list", map[string]interface{}{"line": line})
	}

	fn := &Function{Name: strings.TrimSpace(header[:open])}

	paramSrc := strings.TrimSpace(header[open+1 : shut])
	if paramSrc != "" {
		for _, part := range splitTopLevel(paramSrc, ',') {
			part = strings.TrimSpace(part)

			sp := newScanner(part)

			ty, err := sp.parseType()
			if err != nil {
				return nil, err
			}

			sp.skipSpace()

			if sp.peek() != '%' {
				return nil, errtax.Input("IR_PARSE_PARAM", "expected a %name after a parameter's type", map[string]interface{}{"part": part})
			}

			sp.advance()

			fn.Params = append(fn.Params, Param{Name: sp.parseIdent(), Type: ty})
		}
	}

	rest := strings.TrimSpace(header[shut+1:])
	rest = strings.TrimPrefix(rest, "->")
	rest = strings.TrimSpace(rest)

	if rest == "" || rest == "void" {
		fn.RetType = nil
	} else {
		ty, err := newScanner(rest).parseType()
		if err != nil {
			return nil, err
		}

		fn.RetType = ty
	}

	for {
		line, ok := p.peekLine()
		if !ok {
			return nil, errtax.Input("IR_PARSE_FUNC_BODY", "function body missing a closing \"}\"", map[string]interface{}{"function": fn.Name})
		}

		if line == "}" {
			p.pos++
			break
		}

		if strings.HasSuffix(line, ":") && !strings.Contains(line, " ") {
			p.pos++
			fn.Blocks = append(fn.Blocks, &BasicBlock{Name: strings.TrimSuffix(line, ":")})

			continue
		}

		if len(fn.Blocks) == 0 {
			return nil, errtax.Input("IR_PARSE_FUNC_BODY", "instruction appears before any block label", map[string]interface{}{"function": fn.Name, "line": line})
		}

		p.pos++

		instr, err := parseInstr(line)
		if err != nil {
			return nil, err
		}

		bb := fn.Blocks[len(fn.Blocks)-1]
		bb.Instr = append(bb.Instr, instr)
	}

	return fn, nil
}

// scanner is a cursor over one instruction/type/value's source text; types
// and values can contain embedded spaces ("[4 x i32]"), so parsing proceeds
// character-by-character instead of splitting the line on whitespace.
type scanner struct {
	s string
	i int
}

func newScanner(s string) *scanner { return &scanner{s: s} }

func (s *scanner) peek() byte {
	if s.i >= len(s.s) {
		return 0
	}

	return s.s[s.i]
}

func (s *scanner) advance() byte {
	c := s.peek()
	s.i++

	return c
}

func (s *scanner) skipSpace() {
	for s.i < len(s.s) && s.s[s.i] == ' ' {
		s.i++
	}
}

func (s *scanner) expect(c byte) error {
	s.skipSpace()

	if s.peek() != c {
		return errtax.Input("IR_PARSE_EXPECTED", "expected a character", map[string]interface{}{"want": string(c), "at": s.s[s.i:]})
	}

	s.advance()

	return nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (s *scanner) parseIdent() string {
	s.skipSpace()

	start := s.i
	for s.i < len(s.s) && isIdentByte(s.s[s.i]) {
		s.i++
	}

	return s.s[start:s.i]
}

func (s *scanner) rest() string {
	s.skipSpace()

	return s.s[s.i:]
}

// parseType parses one type starting at the cursor: a primitive (iN/uN/fN/
// ptr/void), a pointer (ptr<elem>), an array ([count x elem]), or a struct
// ({f1, f2, ...}) (§3 "Data Model", mirroring Type.String exactly).
func (s *scanner) parseType() (*Type, error) {
	s.skipSpace()

	switch s.peek() {
	case '[':
		s.advance()
		s.skipSpace()

		numStart := s.i
		for s.i < len(s.s) && s.s[s.i] >= '0' && s.s[s.i] <= '9' {
			s.i++
		}

		count, err := strconv.Atoi(s.s[numStart:s.i])
		if err != nil {
			return nil, errtax.Input("IR_PARSE_TYPE", "array type missing an element count", map[string]interface{}{"at": s.s})
		}

		s.skipSpace()

		if id := s.parseIdent(); id != "x" {
			return nil, errtax.Input("IR_PARSE_TYPE", "array type missing the \"x\" separator", map[string]interface{}{"at": s.s})
		}

		elem, err := s.parseType()
		if err != nil {
			return nil, err
		}

		if err := s.expect(']'); err != nil {
			return nil, err
		}

		return ArrayOf(elem, count), nil

	case '{':
		s.advance()

		var fields []*Type

		s.skipSpace()

		for s.peek() != '}' {
			ty, err := s.parseType()
			if err != nil {
				return nil, err
			}

			fields = append(fields, ty)
			s.skipSpace()

			if s.peek() == ',' {
				s.advance()
			}
		}

		s.advance()

		return StructOf(fields...), nil
	}

	id := s.parseIdent()
	if id == "" {
		return nil, errtax.Input("IR_PARSE_TYPE", "expected a type", map[string]interface{}{"at": s.s[s.i:]})
	}

	switch id {
	case "void":
		return Void, nil
	case "ptr":
		if s.peek() != '<' {
			return Ptr, nil
		}

		s.advance()

		elem, err := s.parseType()
		if err != nil {
			return nil, err
		}

		if err := s.expect('>'); err != nil {
			return nil, err
		}

		return PointerTo(elem), nil
	}

	if ty, ok := primitiveTypeByName[id]; ok {
		return ty, nil
	}

	if len(id) >= 2 && (id[0] == 'i' || id[0] == 'u' || id[0] == 'f') {
		width, err := strconv.Atoi(id[1:])
		if err == nil {
			switch id[0] {
			case 'i':
				return &Type{Kind: TypeInt, Width: width, Signed: true}, nil
			case 'u':
				return &Type{Kind: TypeInt, Width: width, Signed: false}, nil
			case 'f':
				return &Type{Kind: TypeFloat, Width: width}, nil
			}
		}
	}

	return nil, errtax.Input("IR_PARSE_TYPE", "unrecognized type", map[string]interface{}{"ident": id})
}

// parseValue parses a type followed by a literal, %ref, @global, or undef
// (Value.String's format), e.g. "i32 5", "ptr %p", "i32 undef".
func (s *scanner) parseValue() (Value, error) {
	ty, err := s.parseType()
	if err != nil {
		return Value{}, err
	}

	s.skipSpace()

	switch s.peek() {
	case '%':
		s.advance()
		return RefOf(ty, s.parseIdent()), nil
	case '@':
		s.advance()
		return GlobalOf(ty, s.parseIdent()), nil
	}

	save := s.i
	if id := s.parseIdent(); id == "undef" {
		return Undef(ty), nil
	}

	s.i = save

	numStart := s.i
	if s.peek() == '-' {
		s.advance()
	}

	for s.i < len(s.s) && (s.s[s.i] >= '0' && s.s[s.i] <= '9' || s.s[s.i] == '.') {
		s.i++
	}

	lit := s.s[numStart:s.i]

	if ty.IsFloat() {
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return Value{}, errtax.Input("IR_PARSE_VALUE", "malformed float literal", map[string]interface{}{"literal": lit})
		}

		return ConstFloat(ty, f), nil
	}

	n, err := strconv.ParseInt(lit, 10, 64)
	if err != nil {
		return Value{}, errtax.Input("IR_PARSE_VALUE", "malformed integer literal", map[string]interface{}{"literal": lit})
	}

	return ConstInt(ty, n), nil
}

// splitTopLevel splits s on sep, ignoring occurrences nested inside (), [],
// {}, or <>, matching the nesting the type/value grammar can produce.
func splitTopLevel(s string, sep byte) []string {
	var out []string

	depth := 0
	start := 0

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}

	out = append(out, s[start:])

	return out
}

// primitiveTypeByName maps the fixed-width primitives back to the package's
// own canonical *Type singletons, so a parsed type compares identical
// (pointer equality, not just structural) to one built by hand with I64,
// I32, and friends -- useful for tests and any caller that compares types
// by identity rather than by Kind/Width.
var primitiveTypeByName = map[string]*Type{
	"i1": I1, "i8": I8, "u8": U8, "i16": I16, "u16": U16,
	"i32": I32, "u32": U32, "i64": I64, "u64": U64,
	"f32": F32, "f64": F64,
}

func isBinOpName(op string) bool {
	_, ok := binOpByName[op]
	return ok
}

var binOpByName = map[string]BinOpKind{
	"add": OpAdd, "sub": OpSub, "mul": OpMul, "udiv": OpUDiv, "sdiv": OpSDiv,
	"urem": OpURem, "srem": OpSRem, "and": OpAnd, "or": OpOr, "xor": OpXor,
	"shl": OpShl, "lshr": OpLShr, "ashr": OpAShr,
}

var cmpPredByName = map[string]CmpPred{
	"eq": CmpEQ, "ne": CmpNE, "ult": CmpULT, "ule": CmpULE, "ugt": CmpUGT,
	"uge": CmpUGE, "slt": CmpSLT, "sle": CmpSLE, "sgt": CmpSGT, "sge": CmpSGE,
}

var intrinsicByName = map[string]IntrinsicKind{
	"vastart": IntrinsicVastart, "vaend": IntrinsicVaend, "vacopy": IntrinsicVacopy,
	"memcpy": IntrinsicMemcpy, "memset": IntrinsicMemset, "memmove": IntrinsicMemmove,
	"returnaddress": IntrinsicReturnAddress, "frameaddress": IntrinsicFrameAddress,
	"isunordered": IntrinsicIsUnordered, "setjmp": IntrinsicSetjmp, "longjmp": IntrinsicLongjmp,
}

// intrinsicDefaultType fills in the type Intrinsic.String never prints
// (see the Parse doc comment): pointer-valued for the two address queries,
// void for everything else, matching what the selector's lowering actually
// expects for each kind (internal/selector/select.go).
func intrinsicDefaultType(k IntrinsicKind) *Type {
	switch k {
	case IntrinsicReturnAddress, IntrinsicFrameAddress:
		return Ptr
	default:
		return Void
	}
}

func parseInstr(line string) (Instr, error) {
	dst := ""

	if strings.HasPrefix(line, "%") {
		eq := strings.Index(line, "=")
		if eq < 0 {
			return nil, errtax.Input("IR_PARSE_INSTR", "assignment missing \"=\"", map[string]interface{}{"line": line})
		}

		dst = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line[:eq]), "%"))
		line = strings.TrimSpace(line[eq+1:])
	}

	sp := newScanner(line)
	op := sp.parseIdent()

	switch {
	case op == "" && dst == "":
		return nil, errtax.Input("IR_PARSE_INSTR", "empty instruction", nil)

	case isBinOpName(op):
		kind := binOpByName[op]

		ty, err := sp.parseType()
		if err != nil {
			return nil, err
		}

		lhs, rhs, err := parseTwoValues(sp)
		if err != nil {
			return nil, err
		}

		return BinOp{Dst: dst, Op: kind, Type: ty, LHS: lhs, RHS: rhs}, nil

	case strings.HasPrefix(op, "cmp."):
		pred, ok := cmpPredByName[strings.TrimPrefix(op, "cmp.")]
		if !ok {
			return nil, errtax.Input("IR_PARSE_INSTR", "unknown comparison predicate", map[string]interface{}{"op": op})
		}

		lhs, rhs, err := parseTwoValues(sp)
		if err != nil {
			return nil, err
		}

		return Cmp{Dst: dst, Pred: pred, LHS: lhs, RHS: rhs}, nil

	case op == "cast":
		src, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		sp.skipSpace()

		if id := sp.parseIdent(); id != "to" {
			return nil, errtax.Input("IR_PARSE_INSTR", "cast missing \"to\"", map[string]interface{}{"line": line})
		}

		ty, err := sp.parseType()
		if err != nil {
			return nil, err
		}

		return Cast{Dst: dst, Kind: CastBitcast, Type: ty, Src: src}, nil

	case op == "gep":
		ty, err := sp.parseType()
		if err != nil {
			return nil, err
		}

		if err := sp.expect(','); err != nil {
			return nil, err
		}

		base, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		g := GetElementPtr{Dst: dst, Type: ty, Base: base}

		for {
			sp.skipSpace()

			if sp.peek() != ',' {
				break
			}

			sp.advance()

			idx, err := sp.parseValue()
			if err != nil {
				return nil, err
			}

			g.Indices = append(g.Indices, idx)
		}

		return g, nil

	case op == "load":
		ty, err := sp.parseType()
		if err != nil {
			return nil, err
		}

		if err := sp.expect(','); err != nil {
			return nil, err
		}

		addr, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		return Load{Dst: dst, Type: ty, Addr: addr}, nil

	case op == "store":
		val, addr, err := parseTwoValues(sp)
		if err != nil {
			return nil, err
		}

		return Store{Val: val, Addr: addr}, nil

	case op == "alloca":
		ty, err := sp.parseType()
		if err != nil {
			return nil, err
		}

		if err := sp.expect(','); err != nil {
			return nil, err
		}

		sp.skipSpace()

		save := sp.i

		if id := sp.parseIdent(); id == "align" {
			align, err := parseAlignValue(sp)
			if err != nil {
				return nil, err
			}

			return Alloca{Dst: dst, Type: ty, Align: align}, nil
		}

		sp.i = save

		count, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		if err := sp.expect(','); err != nil {
			return nil, err
		}

		sp.skipSpace()

		if id := sp.parseIdent(); id != "align" {
			return nil, errtax.Input("IR_PARSE_INSTR", "alloca missing \"align\"", map[string]interface{}{"line": line})
		}

		align, err := parseAlignValue(sp)
		if err != nil {
			return nil, err
		}

		return Alloca{Dst: dst, Type: ty, Count: &count, Align: align}, nil

	case op == "malloc":
		ty, err := sp.parseType()
		if err != nil {
			return nil, err
		}

		if err := sp.expect(','); err != nil {
			return nil, err
		}

		size, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		return Malloc{Dst: dst, Type: ty, Size: size}, nil

	case op == "free":
		ptr, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		return Free{Ptr: ptr}, nil

	case op == "call":
		return parseCall(sp, dst)

	case op == "ret":
		if sp.rest() == "" {
			return Ret{}, nil
		}

		val, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		return Ret{Val: &val}, nil

	case op == "brcond":
		cond, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		if err := sp.expect(','); err != nil {
			return nil, err
		}

		trueLbl := sp.parseIdent()

		if err := sp.expect(','); err != nil {
			return nil, err
		}

		falseLbl := sp.parseIdent()

		return CondBr{Cond: cond, True: trueLbl, False: falseLbl}, nil

	case op == "br":
		return Br{Target: sp.rest()}, nil

	case op == "unreachable":
		return Unreachable{}, nil

	case op == "phi":
		ty, err := sp.parseType()
		if err != nil {
			return nil, err
		}

		phi := Phi{Dst: dst, Type: ty}

		for {
			sp.skipSpace()

			if sp.peek() != '[' {
				break
			}

			sp.advance()

			val, err := sp.parseValue()
			if err != nil {
				return nil, err
			}

			if err := sp.expect(','); err != nil {
				return nil, err
			}

			pred := sp.parseIdent()

			if err := sp.expect(']'); err != nil {
				return nil, err
			}

			phi.Incoming = append(phi.Incoming, PhiIncoming{Value: val, Pred: pred})

			sp.skipSpace()

			if sp.peek() == ',' {
				sp.advance()
			}
		}

		return phi, nil

	case strings.HasPrefix(op, "intrinsic."):
		kind, ok := intrinsicByName[strings.TrimPrefix(op, "intrinsic.")]
		if !ok {
			return nil, errtax.Input("IR_PARSE_INSTR", "unknown intrinsic", map[string]interface{}{"op": op})
		}

		args, err := parseArgs(sp)
		if err != nil {
			return nil, err
		}

		return Intrinsic{Dst: dst, Kind: kind, Type: intrinsicDefaultType(kind), Args: args}, nil

	default:
		return nil, errtax.Input("IR_PARSE_INSTR", "unrecognized instruction", map[string]interface{}{"op": op, "line": line})
	}
}

func parseAlignValue(sp *scanner) (int, error) {
	sp.skipSpace()

	start := sp.i
	for sp.i < len(sp.s) && sp.s[sp.i] >= '0' && sp.s[sp.i] <= '9' {
		sp.i++
	}

	n, err := strconv.Atoi(sp.s[start:sp.i])
	if err != nil {
		return 0, errtax.Input("IR_PARSE_INSTR", "malformed alignment", map[string]interface{}{"at": sp.s})
	}

	return n, nil
}

func parseTwoValues(sp *scanner) (Value, Value, error) {
	lhs, err := sp.parseValue()
	if err != nil {
		return Value{}, Value{}, err
	}

	if err := sp.expect(','); err != nil {
		return Value{}, Value{}, err
	}

	rhs, err := sp.parseValue()
	if err != nil {
		return Value{}, Value{}, err
	}

	return lhs, rhs, nil
}

func parseArgs(sp *scanner) ([]Value, error) {
	if err := sp.expect('('); err != nil {
		return nil, err
	}

	var args []Value

	sp.skipSpace()

	for sp.peek() != ')' {
		v, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		args = append(args, v)
		sp.skipSpace()

		if sp.peek() == ',' {
			sp.advance()
			sp.skipSpace()
		}
	}

	sp.advance()

	return args, nil
}

// parseCall parses a call's callee and argument list. A direct callee is a
// bare name immediately followed by "("; an indirect callee is a typed
// value (Call.String prints c.CalleeVal.String(), which always has an
// embedded space between its type and its "%name"/"@name" form), so the
// two are told apart by whether a type keyword precedes the name.
func parseCall(sp *scanner, dst string) (Instr, error) {
	sp.skipSpace()

	save := sp.i

	name := sp.parseIdent()

	sp.skipSpace()

	c := Call{Dst: dst, RetType: I64}
	if dst == "" {
		c.RetType = nil
	}

	if sp.peek() == '(' {
		c.Callee = name
	} else {
		sp.i = save

		callee, err := sp.parseValue()
		if err != nil {
			return nil, err
		}

		c.CalleeVal = &callee
	}

	args, err := parseArgs(sp)
	if err != nil {
		return nil, err
	}

	c.Args = args

	return c, nil
}
