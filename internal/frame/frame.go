// Package frame implements frame finalization and prolog/epilog insertion
// (§4.5): resolving every stack object to a base-relative offset, lowering
// frame-index operands to concrete (base-register, offset) memory operands,
// and inserting the entry/exit code that allocates and releases the frame
// and preserves callee-save registers.
//
// It replaces the teacher's EmitX64WithRegisterAllocation prologue/epilogue
// text emission (internal/codegen/x64emit_regalloc.go: "push rbp; mov rbp,
// rsp; push each used callee-saved register; sub rsp, frameSize" at entry,
// the mirror image at each return), generalized from string concatenation
// into machine-instruction insertion against the target-generic
// target.Description this core compiles every pass against.
package frame

import (
	"github.com/orizon-lang/orizon-codegen/internal/errtax"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/regalloc"
	"github.com/orizon-lang/orizon-codegen/internal/spill"
	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// Config surfaces the one frame-finalization knob exposed by the driver
// (§6 "disable-fp-elim").
type Config struct {
	// DisableFPElim forces a frame pointer even when the function would
	// otherwise be eligible to elide it (no calls, no locals, no
	// callee-saves, no variable-sized objects).
	DisableFPElim bool
}

// Finalize runs §4.5 end to end against fn, given the register allocator's
// spill-slot assignment (for laying out the spill area alongside ordinary
// locals). It is idempotent: a function already marked finalized
// (FrameInfo.Finalized) is left untouched, matching §8's finalization
// idempotence requirement. This must not be decided from whether every
// stack object is resolved (FrameInfo.IsFinalized) -- a function with zero
// stack objects satisfies that vacuously even though it may still need
// callee-save discovery and a prologue/epilogue for a clobbered
// callee-saved register.
func Finalize(fn *machine.Function, td target.Description, ra *regalloc.Result, cfg Config) error {
	if fn.Frame.Finalized() {
		return nil
	}

	ri := td.RegisterInfo()
	ii := td.InstructionInfo()
	fi := td.FrameInfo()

	saves := discoverCalleeSaves(fn, ri, fi)

	numSlots := 0
	if ra != nil {
		numSlots = ra.NumSlots
	}

	usesFP := cfg.DisableFPElim || fn.Frame.HasCalls || fn.Frame.HasVarSizedObjects || len(saves) > 0 ||
		hasLocalObjects(fn.Frame) || numSlots > 0
	fn.Frame.UsesFramePointer = usesFP

	calleeSaveBytes := int64(len(saves)) * int64(spillSizeOf(ri, fi.CalleeSavedRegisters()))

	layoutFixedObjects(fn.Frame, saves)
	localBytes, running := layoutLocalObjects(fn.Frame, calleeSaveBytes)
	spillOffsets, spillBytes := layoutSpillSlots(numSlots, running)

	frameSize := roundUp(localBytes+spillBytes, int64(fi.FrameAlignment()))

	if err := lowerFrameIndexOperands(fn, td, usesFP, frameSize, spillOffsets); err != nil {
		return err
	}

	rewriteCallFramePseudos(fn, ii, fi)
	emitPrologue(fn, ii, fi, saves, usesFP, frameSize)
	emitEpilogues(fn, ii, fi, saves, usesFP, frameSize)

	fn.Frame.MarkFinalized()

	return nil
}

func hasLocalObjects(fi *machine.FrameInfo) bool {
	for _, o := range fi.Objects {
		if !o.Fixed {
			return true
		}
	}

	return false
}

func spillSizeOf(ri target.RegisterInfo, regs []target.RegID) int {
	for _, class := range ri.Classes() {
		for _, m := range class.Members {
			for _, r := range regs {
				if m == r {
					return class.SpillSize
				}
			}
		}
	}

	return 8
}

func roundUp(v, align int64) int64 {
	if align <= 1 || v <= 0 {
		if v < 0 {
			return 0
		}

		return v
	}

	return (v + align - 1) / align * align
}

// discoverCalleeSaves scans every explicit physical-register def in fn for
// a callee-save register (or an alias of one), returning the subset of
// FrameInfoProvider.CalleeSavedRegisters() actually touched, in the
// provider's own declared order (§4.5 "Callee-save discovery").
func discoverCalleeSaves(fn *machine.Function, ri target.RegisterInfo, fi target.FrameInfoProvider) []target.RegID {
	fp := fi.FramePointerRegister()
	touched := map[target.RegID]bool{}

	for _, in := range fn.Instrs() {
		for _, o := range in.Defs() {
			if o.Kind != machine.OperandPhysReg {
				continue
			}

			markTouched(ri, fi.CalleeSavedRegisters(), o.PhysReg, touched)
		}
	}

	var out []target.RegID

	for _, r := range fi.CalleeSavedRegisters() {
		if r == fp {
			// The frame pointer is saved/restored by the prologue/epilogue
			// itself, never pushed as an ordinary callee-save.
			continue
		}

		if touched[r] {
			out = append(out, r)
		}
	}

	return out
}

func markTouched(ri target.RegisterInfo, calleeSaved []target.RegID, reg target.RegID, touched map[target.RegID]bool) {
	for _, cs := range calleeSaved {
		if cs == reg || sharesAlias(ri, cs, reg) {
			touched[cs] = true
		}
	}
}

func sharesAlias(ri target.RegisterInfo, a, b target.RegID) bool {
	if a == b {
		return true
	}

	for _, al := range ri.Aliases(a) {
		if al == b {
			return true
		}
	}

	for _, al := range ri.Aliases(b) {
		if al == a {
			return true
		}
	}

	return false
}

// layoutFixedObjects resolves every fixed stack object: newly-allocated
// callee-save slots get consecutive negative offsets immediately below the
// saved frame pointer; pre-existing fixed objects (incoming stack
// arguments, already carrying their calling-convention stack-byte position
// in Offset from lowerParams) are translated into base-relative offsets by
// skipping the saved return address and frame pointer (§4.5 "Frame
// layout").
func layoutFixedObjects(fi *machine.FrameInfo, saves []target.RegID) {
	for i := range saves {
		obj := fi.CreateFixedObject(8, 8)
		obj.Resolve(-(int64(i+1) * 8))
	}

	const savedReturnAndFramePointer = 16

	for _, obj := range fi.Objects {
		if !obj.Fixed || obj.Resolved() {
			continue
		}

		obj.Resolve(savedReturnAndFramePointer + obj.Offset)
	}
}

// layoutLocalObjects lays out every non-fixed object in stack-growth
// direction beneath the callee-save area, each rounded up to its own
// alignment and added to a running offset (§4.5 "Frame layout"). It
// returns the total bytes consumed by locals alone (before the final
// frame-alignment rounding) and the running offset so the spill area can
// continue immediately beneath the last local.
func layoutLocalObjects(fi *machine.FrameInfo, calleeSaveBytes int64) (int64, int64) {
	running := -calleeSaveBytes

	for _, obj := range fi.Objects {
		if obj.Fixed {
			continue
		}

		running -= roundUp(obj.Size, obj.Align)
		obj.Resolve(running)
	}

	return -running - calleeSaveBytes, running
}

// layoutSpillSlots lays out the register allocator's spill area
// immediately beneath the last local object (or the callee-save area, if
// there are no locals), one machine-word-sized slot per spill slot number
// (§4.4's slot-map is target-generic; every class this core allocates
// spills to an 8-byte slot). It returns each slot's resolved offset,
// indexed by slot number, and the total bytes the spill area consumes.
func layoutSpillSlots(numSlots int, running int64) ([]int64, int64) {
	if numSlots == 0 {
		return nil, 0
	}

	const spillSlotSize = 8

	offsets := make([]int64, numSlots)

	for i := 0; i < numSlots; i++ {
		running -= spillSlotSize
		offsets[i] = running
	}

	return offsets, int64(numSlots) * spillSlotSize
}

// lowerFrameIndexOperands replaces every surviving OperandFrameIndex with
// its resolved OperandMem form (§4.5 "Lowering"). An out-of-range offset is
// materialized through the target's scratch register rather than encoded
// directly (§12 "Frame index scavenging").
func lowerFrameIndexOperands(fn *machine.Function, td target.Description, usesFP bool, frameSize int64, spillOffsets []int64) error {
	fi := td.FrameInfo()
	ii := td.InstructionInfo()

	base := fi.StackPointerRegister()
	if usesFP {
		base = fi.FramePointerRegister()
	}

	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		out := make([]*machine.Instr, 0, len(bb.Insns))

		for _, in := range bb.Insns {
			rewritten, pre, post, err := lowerOneInstr(in, fn.Frame, fi, ii, base, usesFP, frameSize, spillOffsets)
			if err != nil {
				return err
			}

			out = append(out, pre...)
			out = append(out, rewritten)
			out = append(out, post...)
		}

		bb.Insns = out
	}

	return nil
}

// lowerOneInstr rewrites every frame-index operand on in to its resolved
// memory form. An offset outside the target's encodable immediate range is
// scavenged into a scratch register: the register's live value is saved
// around the rewritten instruction with a push/pop pair so the
// materialization is correct regardless of what the allocator happened to
// leave in it (§12 "Frame index scavenging").
func lowerOneInstr(in *machine.Instr, fr *machine.FrameInfo, fi target.FrameInfoProvider, ii target.InstructionInfo, base target.RegID, usesFP bool, frameSize int64, spillOffsets []int64) (*machine.Instr, []*machine.Instr, []*machine.Instr, error) {
	var pre, post []*machine.Instr

	for i := range in.Operands {
		o := &in.Operands[i]
		if o.Kind != machine.OperandFrameIndex {
			continue
		}

		offset, err := resolveFrameIndexOffset(o, fr, usesFP, frameSize, spillOffsets)
		if err != nil {
			return nil, nil, nil, err
		}

		effectiveBase := base

		if offset > fi.MaxImmediateOffset() || offset < -fi.MaxImmediateOffset()-1 {
			scratch := fi.ScratchRegister()
			pre = append(pre,
				&machine.Instr{Opcode: ii.PushOpcode(), Operands: []machine.Operand{machine.PhysRegUse(scratch)}},
				&machine.Instr{Opcode: ii.MoveOpcode(), Operands: []machine.Operand{machine.PhysRegDef(scratch), machine.PhysRegUse(base)}},
				&machine.Instr{Opcode: ii.AddOpcode(), Operands: []machine.Operand{machine.PhysRegDef(scratch), machine.PhysRegUse(scratch), machine.ImmS(offset)}},
			)
			post = append(post, &machine.Instr{Opcode: ii.PopOpcode(), Operands: []machine.Operand{machine.PhysRegDef(scratch)}})
			effectiveBase = scratch
			offset = 0
		}

		*o = machine.Mem(effectiveBase, offset, *o)
	}

	return in, pre, post, nil
}

// resolveFrameIndexOffset maps a frame-index operand to its base-relative
// byte offset. FrameIndex -1 is the hardware return-address slot the
// selector's IntrinsicReturnAddress lowering refers to directly (§4.1
// "returnaddress"), which is never a StackObject the frame owns.
// spill.FrameIndexSlotMarker tags a spill-rewriter-synthesized operand,
// whose FrameOffset is a slot number indexing spillOffsets rather than a
// byte offset into a real object. Every other index must resolve through
// FrameInfo.ObjectByIndex.
func resolveFrameIndexOffset(o *machine.Operand, fr *machine.FrameInfo, usesFP bool, frameSize int64, spillOffsets []int64) (int64, error) {
	switch {
	case o.FrameIndex == -1:
		if usesFP {
			return 8 + o.FrameOffset, nil
		}

		return frameSize + 8 + o.FrameOffset, nil

	case o.FrameIndex == spill.FrameIndexSlotMarker:
		slot := int(o.FrameOffset)
		if slot < 0 || slot >= len(spillOffsets) {
			return 0, errtax.Invariant("UNRESOLVED_FRAME_INDEX", "spill slot index out of range", map[string]interface{}{"slot": slot})
		}

		return spillOffsets[slot], nil

	default:
		obj := fr.ObjectByIndex(o.FrameIndex)
		if obj == nil {
			return 0, errtax.Invariant("UNRESOLVED_FRAME_INDEX", "frame-index operand did not resolve to a stack object", map[string]interface{}{"frameIndex": o.FrameIndex})
		}

		return obj.Offset + o.FrameOffset, nil
	}
}

// rewriteCallFramePseudos replaces any surviving call-frame setup/teardown
// pseudo with a concrete stack adjustment sized to the function's maximum
// outgoing-argument area (§4.5 "call-frame-setup/teardown pseudos replaced
// by concrete stack adjustments").
func rewriteCallFramePseudos(fn *machine.Function, ii target.InstructionInfo, fi target.FrameInfoProvider) {
	size := fn.Frame.MaxOutgoingArgBytes
	if size == 0 {
		return
	}

	setup := ii.CallFrameSetupOpcode()
	teardown := ii.CallFrameTeardownOpcode()

	for _, in := range fn.Instrs() {
		switch in.Opcode {
		case setup:
			*in = machine.Instr{Opcode: ii.AdjustStackOpcode(), Operands: []machine.Operand{machine.ImmS(size)}}
		case teardown:
			*in = machine.Instr{Opcode: ii.AdjustStackOpcode(), Operands: []machine.Operand{machine.ImmS(-size)}}
		}
	}
}

// emitPrologue inserts, at the top of the entry block: save of the frame
// pointer (if used), push of every discovered callee-save register, and a
// single stack adjustment reserving the local frame (§4.5 "Prologue/epilogue
// emission").
func emitPrologue(fn *machine.Function, ii target.InstructionInfo, fi target.FrameInfoProvider, saves []target.RegID, usesFP bool, frameSize int64) {
	entry := firstBlock(fn)
	if entry == nil {
		return
	}

	fpReg, spReg := fi.FramePointerRegister(), fi.StackPointerRegister()

	var prologue []*machine.Instr

	if usesFP {
		prologue = append(prologue,
			&machine.Instr{Opcode: ii.PushOpcode(), Operands: []machine.Operand{machine.PhysRegUse(fpReg)}},
			&machine.Instr{Opcode: ii.MoveOpcode(), Operands: []machine.Operand{machine.PhysRegDef(fpReg), machine.PhysRegUse(spReg)}},
		)
	}

	for _, r := range saves {
		prologue = append(prologue, &machine.Instr{Opcode: ii.PushOpcode(), Operands: []machine.Operand{machine.PhysRegUse(r)}})
	}

	if frameSize > 0 {
		prologue = append(prologue, &machine.Instr{Opcode: ii.AdjustStackOpcode(), Operands: []machine.Operand{machine.ImmS(frameSize)}})
	}

	entry.Insns = append(prologue, entry.Insns...)
}

// emitEpilogues inserts, immediately before every return instruction in
// every block: release of the local frame, pop of every callee-save
// register in reverse order, and restore of the frame pointer.
func emitEpilogues(fn *machine.Function, ii target.InstructionInfo, fi target.FrameInfoProvider, saves []target.RegID, usesFP bool, frameSize int64) {
	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		out := make([]*machine.Instr, 0, len(bb.Insns))

		for _, in := range bb.Insns {
			if ii.IsReturn(in.Opcode) {
				out = append(out, epilogueFor(ii, fi, saves, usesFP, frameSize)...)
			}

			out = append(out, in)
		}

		bb.Insns = out
	}
}

func epilogueFor(ii target.InstructionInfo, fi target.FrameInfoProvider, saves []target.RegID, usesFP bool, frameSize int64) []*machine.Instr {
	var epilogue []*machine.Instr

	if frameSize > 0 {
		epilogue = append(epilogue, &machine.Instr{Opcode: ii.AdjustStackOpcode(), Operands: []machine.Operand{machine.ImmS(-frameSize)}})
	}

	for i := len(saves) - 1; i >= 0; i-- {
		epilogue = append(epilogue, &machine.Instr{Opcode: ii.PopOpcode(), Operands: []machine.Operand{machine.PhysRegDef(saves[i])}})
	}

	if usesFP {
		epilogue = append(epilogue, &machine.Instr{Opcode: ii.PopOpcode(), Operands: []machine.Operand{machine.PhysRegDef(fi.FramePointerRegister())}})
	}

	return epilogue
}

func firstBlock(fn *machine.Function) *machine.BasicBlock {
	for _, bb := range fn.Blocks {
		if bb != nil {
			return bb
		}
	}

	return nil
}

