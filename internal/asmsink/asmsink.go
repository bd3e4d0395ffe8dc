// Package asmsink implements the "machine code sink" §3/§6 describes: the
// final consumer of a finalized machine.Function, the point past which
// every operand must be a physical register, a frame-resolved memory
// operand, an immediate, a global/external symbol, or a block reference --
// never a virtual register or an unresolved frame index. FromFunction is
// the gate that enforces this; Render is the textual assembly printer a
// driver hands the result to.
//
// It replaces the teacher's internal/codegen/x64emit.go, a hand-rolled
// Intel-syntax printer keyed on a closed LIR instruction sum type
// ("EmitX64 emits a very naive Windows x64-like assembly text from LIR").
// This package keeps that printer's shape -- walk blocks in order, render
// one mnemonic-plus-operands line per instruction, qword ptr [base+off] for
// memory -- but drives it off target.InstructionInfo/RegisterInfo instead
// of a type switch over LIR cases, so it works for any target.Description,
// not just the teacher's single baked-in x64 shape.
package asmsink

import (
	"fmt"
	"strings"

	"github.com/orizon-lang/orizon-codegen/internal/errtax"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// Instr is one sink instruction: a resolved mnemonic and its operand list,
// carried alongside the original target.Opcode for callers (tests, a real
// machine-code emitter) that need to re-dispatch on it.
type Instr struct {
	Opcode   target.Opcode
	Mnemonic string
	Operands []machine.Operand
}

// Block is one sink basic block, identified by the same id the machine
// function assigned it.
type Block struct {
	ID     int
	Instrs []Instr
}

// Sink is a whole finalized function in the form §3 hands to an assembler
// or code emitter.
type Sink struct {
	Name   string
	Blocks []Block
}

// FromFunction converts fn into a Sink, rejecting any instruction that
// still carries a virtual-register or frame-index operand -- those are
// compiler defects at this point, not expected input variation, since
// spill rewriting and frame finalization are supposed to have already
// eliminated them (§4.4, §4.5).
func FromFunction(fn *machine.Function, td target.Description) (*Sink, error) {
	ii := td.InstructionInfo()

	sink := &Sink{Name: fn.Name}

	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		blk := Block{ID: bb.ID}

		for _, in := range bb.Insns {
			for _, o := range in.Operands {
				switch o.Kind {
				case machine.OperandVReg:
					return nil, errtax.Invariant("UNALLOCATED_VREG_AT_SINK",
						"machine code sink reached with a live virtual register",
						map[string]interface{}{"function": fn.Name, "block": bb.ID, "vreg": int(o.VReg)})
				case machine.OperandFrameIndex:
					return nil, errtax.Invariant("UNRESOLVED_FRAME_INDEX_AT_SINK",
						"machine code sink reached with an un-lowered frame index",
						map[string]interface{}{"function": fn.Name, "block": bb.ID, "index": o.FrameIndex})
				}
			}

			name := fmt.Sprintf("op#%d", in.Opcode)
			if desc, ok := ii.Descriptor(in.Opcode); ok {
				name = desc.Name
			}

			blk.Instrs = append(blk.Instrs, Instr{Opcode: in.Opcode, Mnemonic: name, Operands: in.Operands})
		}

		sink.Blocks = append(sink.Blocks, blk)
	}

	return sink, nil
}

// Render prints sink as Intel-syntax assembly text, one label per block and
// one mnemonic line per instruction, in the style of the teacher's
// x64emit.go ("mov rax, rbx", "qword ptr [rbp-8]").
func (s *Sink) Render(ri target.RegisterInfo) string {
	var b strings.Builder

	fmt.Fprintf(&b, "; function %s\n", s.Name)

	for _, blk := range s.Blocks {
		fmt.Fprintf(&b, "bb#%d:\n", blk.ID)

		for _, in := range blk.Instrs {
			var operands []string

			for _, o := range in.Operands {
				if o.IsImplicit {
					continue
				}

				operands = append(operands, renderOperand(o, ri))
			}

			if len(operands) == 0 {
				fmt.Fprintf(&b, "  %s\n", in.Mnemonic)
				continue
			}

			fmt.Fprintf(&b, "  %s %s\n", in.Mnemonic, strings.Join(operands, ", "))
		}
	}

	return b.String()
}

func renderOperand(o machine.Operand, ri target.RegisterInfo) string {
	switch o.Kind {
	case machine.OperandPhysReg:
		if r, ok := ri.ByID(o.PhysReg); ok {
			return r.Name
		}

		return fmt.Sprintf("p%d", o.PhysReg)
	case machine.OperandImm:
		if o.ImmIsSigned {
			return fmt.Sprintf("%d", o.ImmSigned)
		}

		return fmt.Sprintf("%d", o.ImmUnsigned)
	case machine.OperandMem:
		base := fmt.Sprintf("p%d", o.MemBase)
		if r, ok := ri.ByID(o.MemBase); ok {
			base = r.Name
		}

		if o.MemOffset != 0 {
			return fmt.Sprintf("qword ptr [%s%+d]", base, o.MemOffset)
		}

		return fmt.Sprintf("qword ptr [%s]", base)
	case machine.OperandGlobalAddress:
		return "@" + o.Symbol
	case machine.OperandExternalSymbol:
		return "&" + o.Symbol
	case machine.OperandBlock:
		return fmt.Sprintf("bb#%d", o.Block)
	default:
		return o.String()
	}
}
