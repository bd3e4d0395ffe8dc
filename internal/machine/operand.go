// Package machine defines the mutable per-function container every pass
// after instruction selection reads and rewrites (§3 "Machine function"):
// ordered basic blocks of instructions, frame info, and the virtual-
// register class map. It is adapted from the teacher's internal/lir,
// which modeled instructions as a closed sum type with string-named
// registers; here operands are a tagged union over virtual/physical
// registers, immediates, frame indices, and symbolic references, matching
// §3's operand model exactly.
package machine

import (
	"fmt"

	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// OperandKind tags the sum type an Operand holds.
type OperandKind int

const (
	OperandInvalid OperandKind = iota
	OperandVReg
	OperandPhysReg
	OperandImm
	OperandFrameIndex
	OperandGlobalAddress
	OperandExternalSymbol
	OperandBlock
	// OperandMem is the concrete (base-register, offset) memory form a
	// frame-index operand is lowered into by frame finalization (§4.5
	// "Lowering"). No OperandFrameIndex operand survives finalization.
	OperandMem
)

// VReg is a dense virtual register id, always >= the target's
// FirstVirtualRegister (§3 "Virtual registers").
type VReg target.RegID

// Operand is a tagged sum: virtual-register, physical-register, immediate
// (signed or unsigned), frame-index, global-address, external-symbol, or
// basic-block reference (§3).
type Operand struct {
	Kind OperandKind

	VReg  VReg
	Class target.RegClassID // meaningful when Kind == OperandVReg

	PhysReg target.RegID

	ImmSigned   int64
	ImmUnsigned uint64
	ImmIsSigned bool

	FrameIndex int
	// FrameOffset is an additional constant offset applied on top of the
	// frame object's resolved base (§4.5 "offset is frame-object-offset +
	// operand-immediate").
	FrameOffset int64

	Symbol string // global address or external symbol name

	Block int // machine basic block id, for OperandBlock

	// MemBase and MemOffset hold the resolved form of a former frame-index
	// operand once frame finalization has run: MemBase is the frame
	// pointer if the function uses one, otherwise the stack pointer; the
	// sign and scale of MemOffset follow the target's addressing mode.
	MemBase   target.RegID
	MemOffset int64

	IsUse bool
	IsDef bool
	// IsImplicit marks an implicit use/def contributed by the instruction
	// descriptor rather than appearing in the textual operand list (§3
	// "reaches at most one of: ordinary use, def, or implicit use/def").
	IsImplicit bool
}

func VRegUse(v VReg, class target.RegClassID) Operand {
	return Operand{Kind: OperandVReg, VReg: v, Class: class, IsUse: true}
}

func VRegDef(v VReg, class target.RegClassID) Operand {
	return Operand{Kind: OperandVReg, VReg: v, Class: class, IsDef: true}
}

func PhysRegUse(r target.RegID) Operand {
	return Operand{Kind: OperandPhysReg, PhysReg: r, IsUse: true}
}

func PhysRegDef(r target.RegID) Operand {
	return Operand{Kind: OperandPhysReg, PhysReg: r, IsDef: true}
}

func ImmS(v int64) Operand {
	return Operand{Kind: OperandImm, ImmSigned: v, ImmIsSigned: true}
}

func ImmU(v uint64) Operand {
	return Operand{Kind: OperandImm, ImmUnsigned: v}
}

func FrameIndex(idx int, offset int64) Operand {
	return Operand{Kind: OperandFrameIndex, FrameIndex: idx, FrameOffset: offset}
}

func GlobalAddress(sym string) Operand {
	return Operand{Kind: OperandGlobalAddress, Symbol: sym}
}

func ExternalSymbol(sym string) Operand {
	return Operand{Kind: OperandExternalSymbol, Symbol: sym}
}

func BlockRef(id int) Operand {
	return Operand{Kind: OperandBlock, Block: id}
}

// Mem builds a resolved base+offset memory operand, preserving the
// original operand's use/def/implicit flags.
func Mem(base target.RegID, offset int64, like Operand) Operand {
	return Operand{Kind: OperandMem, MemBase: base, MemOffset: offset, IsUse: like.IsUse, IsDef: like.IsDef, IsImplicit: like.IsImplicit}
}

// IsVirtual reports whether this operand names a virtual register -- the
// thing every pass before rewriting must be true of all storage-
// referencing non-frame-index operands (§3 invariant).
func (o Operand) IsVirtual() bool { return o.Kind == OperandVReg }

func (o Operand) String() string {
	switch o.Kind {
	case OperandVReg:
		return fmt.Sprintf("%%v%d", o.VReg)
	case OperandPhysReg:
		return fmt.Sprintf("%%p%d", o.PhysReg)
	case OperandImm:
		if o.ImmIsSigned {
			return fmt.Sprintf("%d", o.ImmSigned)
		}

		return fmt.Sprintf("%d", o.ImmUnsigned)
	case OperandFrameIndex:
		if o.FrameOffset != 0 {
			return fmt.Sprintf("fi#%d+%d", o.FrameIndex, o.FrameOffset)
		}

		return fmt.Sprintf("fi#%d", o.FrameIndex)
	case OperandGlobalAddress:
		return fmt.Sprintf("@%s", o.Symbol)
	case OperandExternalSymbol:
		return fmt.Sprintf("&%s", o.Symbol)
	case OperandBlock:
		return fmt.Sprintf("bb#%d", o.Block)
	case OperandMem:
		if o.MemOffset != 0 {
			return fmt.Sprintf("[%%p%d+%d]", o.MemBase, o.MemOffset)
		}

		return fmt.Sprintf("[%%p%d]", o.MemBase)
	default:
		return "<invalid-operand>"
	}
}
