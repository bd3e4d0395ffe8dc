package asmsink_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/orizon-codegen/internal/asmsink"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/target/x64"
)

func TestFromFunctionRendersResolvedOperands(t *testing.T) {
	td := x64.New()

	fn := machine.New("addtwo", td.FirstVirtualRegister())
	bb := fn.NewBlock("entry")
	bb.Append(&machine.Instr{Opcode: x64.OpADD, Operands: []machine.Operand{
		machine.PhysRegDef(x64.RAX),
		machine.PhysRegUse(x64.RAX),
		machine.PhysRegUse(x64.RBX),
	}})
	bb.Append(&machine.Instr{Opcode: x64.OpRET})

	sink, err := asmsink.FromFunction(fn, td)
	require.NoError(t, err)
	require.Len(t, sink.Blocks, 1)
	require.Len(t, sink.Blocks[0].Instrs, 2)
	require.Equal(t, "add", sink.Blocks[0].Instrs[0].Mnemonic)
	require.Equal(t, "ret", sink.Blocks[0].Instrs[1].Mnemonic)

	out := sink.Render(td.RegisterInfo())
	require.True(t, strings.Contains(out, "add rax, rax, rbx"), out)
	require.True(t, strings.Contains(out, "bb#0:"), out)
}

func TestFromFunctionRendersResolvedMemoryOperand(t *testing.T) {
	td := x64.New()

	fn := machine.New("loadslot", td.FirstVirtualRegister())
	bb := fn.NewBlock("entry")
	mem := machine.Mem(x64.RBP, -8, machine.Operand{IsUse: true})
	bb.Append(&machine.Instr{Opcode: x64.OpLOAD, Operands: []machine.Operand{
		machine.PhysRegDef(x64.RAX),
		mem,
	}})

	sink, err := asmsink.FromFunction(fn, td)
	require.NoError(t, err)

	out := sink.Render(td.RegisterInfo())
	require.True(t, strings.Contains(out, "qword ptr [rbp-8]"), out)
}

func TestFromFunctionRejectsSurvivingVReg(t *testing.T) {
	td := x64.New()

	fn := machine.New("bad", td.FirstVirtualRegister())
	bb := fn.NewBlock("entry")
	v := fn.NewVReg(x64.ClassGPR)
	bb.Append(&machine.Instr{Opcode: x64.OpMOV, Operands: []machine.Operand{
		machine.VRegDef(v, x64.ClassGPR),
		machine.PhysRegUse(x64.RAX),
	}})

	_, err := asmsink.FromFunction(fn, td)
	require.Error(t, err)
}

func TestFromFunctionRejectsSurvivingFrameIndex(t *testing.T) {
	td := x64.New()

	fn := machine.New("bad", td.FirstVirtualRegister())
	bb := fn.NewBlock("entry")
	bb.Append(&machine.Instr{Opcode: x64.OpLOAD, Operands: []machine.Operand{
		machine.PhysRegDef(x64.RAX),
		machine.FrameIndex(0, 0),
	}})

	_, err := asmsink.FromFunction(fn, td)
	require.Error(t, err)
}
