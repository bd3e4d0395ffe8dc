package asmsink_test

import (
	"testing"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/orizon-codegen/internal/asmsink"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/target/x64"
)

// gpRegByName cross-references this target's GPR display names against
// golang-asm's own x86 register constants (obj/x86), the same pairing
// amd64_debug's golang_asm.go leans on when it hand-builds obj.Prog nodes
// to cross-check an assembler's register choices against a second,
// independently-implemented x86 encoder.
var gpRegByName = map[string]int16{
	"rax": x86.REG_AX,
	"rbx": x86.REG_BX,
	"rcx": x86.REG_CX,
	"rdx": x86.REG_DX,
	"rsp": x86.REG_SP,
	"rbp": x86.REG_BP,
	"r8":  x86.REG_R8,
	"r9":  x86.REG_R9,
}

// asProg decodes one asmsink.Instr back into a golang-asm obj.Prog, the
// structured form golang-asm's own encoder/decoder operates on, following
// the field-by-field construction amd64_debug's
// CompileRegisterToRegister/CompileRegisterToMemory use.
func asProg(t *testing.T, b *goasm.Builder, in asmsink.Instr) *obj.Prog {
	t.Helper()

	require.Len(t, in.Operands, 3, "expected a three-operand ADD (def, lhs, rhs)")

	p := b.NewProg()
	p.As = x86.AADDQ
	p.To.Type = obj.TYPE_REG
	p.To.Reg = gpRegByName[regName(t, in.Operands[0])]
	p.From.Type = obj.TYPE_REG
	p.From.Reg = gpRegByName[regName(t, in.Operands[2])]

	return p
}

func regName(t *testing.T, o machine.Operand) string {
	t.Helper()
	require.Equal(t, machine.OperandPhysReg, o.Kind)

	ri := x64.New().RegisterInfo()
	r, ok := ri.ByID(o.PhysReg)
	require.True(t, ok)

	return r.Name
}

// TestGolangAsmDecodesEmittedAdd builds the same "add rax, rax, rbx"
// instruction asmsink.Render prints, re-expresses it as a golang-asm
// obj.Prog, and assembles it -- confirming the operand shapes
// asmsink.FromFunction produces are ones a genuine x86 encoder accepts, not
// just ones our own Render happens to stringify.
func TestGolangAsmDecodesEmittedAdd(t *testing.T) {
	td := x64.New()

	fn := machine.New("addtwo", td.FirstVirtualRegister())
	bb := fn.NewBlock("entry")
	bb.Append(&machine.Instr{Opcode: x64.OpADD, Operands: []machine.Operand{
		machine.PhysRegDef(x64.RAX),
		machine.PhysRegUse(x64.RAX),
		machine.PhysRegUse(x64.RBX),
	}})

	sink, err := asmsink.FromFunction(fn, td)
	require.NoError(t, err)

	b, err := goasm.NewBuilder("amd64", 64)
	require.NoError(t, err)

	p := asProg(t, b, sink.Blocks[0].Instrs[0])
	require.Equal(t, x86.AADDQ, p.As)
	require.Equal(t, obj.TYPE_REG, p.To.Type)
	require.Equal(t, x86.REG_AX, p.To.Reg)
	require.Equal(t, obj.TYPE_REG, p.From.Type)
	require.Equal(t, x86.REG_BX, p.From.Reg)

	b.AddInstruction(p)
	code := b.Assemble()
	require.NotEmpty(t, code, "a real x86 encoder should produce at least one byte for add rax, rbx")
}
