package frame_test

import (
	"testing"

	"github.com/orizon-lang/orizon-codegen/internal/frame"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/regalloc"
	"github.com/orizon-lang/orizon-codegen/internal/spill"
	"github.com/orizon-lang/orizon-codegen/internal/target"
	"github.com/orizon-lang/orizon-codegen/internal/target/x64"
)

func countOpcode(fn *machine.Function, op target.Opcode) int {
	n := 0

	for _, in := range fn.Instrs() {
		if in.Opcode == op {
			n++
		}
	}

	return n
}

func noFrameIndexOperandsRemain(t *testing.T, fn *machine.Function) {
	t.Helper()

	for _, in := range fn.Instrs() {
		for _, o := range in.Operands {
			if o.Kind == machine.OperandFrameIndex {
				t.Fatalf("found surviving frame-index operand after finalization: %+v in %v", o, in)
			}
		}
	}
}

// leafFunction builds a single-block function with no stack objects, calls,
// or callee-save defs: it should be eligible to elide its frame pointer and
// allocate no frame at all.
func leafFunction(td target.Description) *machine.Function {
	fn := machine.New("leaf", td.FirstVirtualRegister())
	bb := fn.NewBlock("entry")

	v0 := fn.NewVReg(x64.ClassGPR)

	bb.Append(&machine.Instr{Opcode: x64.OpMOVImm, Operands: []machine.Operand{
		machine.PhysRegDef(x64.RAX),
		machine.ImmS(0),
	}})
	bb.Append(&machine.Instr{Opcode: x64.OpRET, Operands: []machine.Operand{
		machine.VRegUse(v0, x64.ClassGPR),
	}})

	return fn
}

func TestFinalizeElidesFramePointerForLeafFunction(t *testing.T) {
	td := x64.New()
	fn := leafFunction(td)

	if err := frame.Finalize(fn, td, nil, frame.Config{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if fn.Frame.UsesFramePointer {
		t.Fatalf("expected a leaf function with no locals, calls, or spills to elide its frame pointer")
	}

	if n := countOpcode(fn, x64.OpPUSH); n != 0 {
		t.Fatalf("expected no pushes in a frame-pointer-less leaf function, got %d", n)
	}
}

// calleeSaveFunction builds a function that explicitly defines RBX (a
// callee-save register per the Win64 convention) so frame finalization
// must discover it and wrap the body with a matching push/pop pair.
func calleeSaveFunction(td target.Description) *machine.Function {
	fn := machine.New("touches_rbx", td.FirstVirtualRegister())
	bb := fn.NewBlock("entry")

	bb.Append(&machine.Instr{Opcode: x64.OpMOVImm, Operands: []machine.Operand{
		machine.PhysRegDef(x64.RBX),
		machine.ImmS(7),
	}})
	bb.Append(&machine.Instr{Opcode: x64.OpMOV, Operands: []machine.Operand{
		machine.PhysRegDef(x64.RAX),
		machine.PhysRegUse(x64.RBX),
	}})
	bb.Append(&machine.Instr{Opcode: x64.OpRET, Operands: []machine.Operand{
		machine.PhysRegUse(x64.RAX),
	}})

	return fn
}

func TestFinalizeSavesAndRestoresTouchedCalleeSave(t *testing.T) {
	td := x64.New()
	fn := calleeSaveFunction(td)

	if err := frame.Finalize(fn, td, nil, frame.Config{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if !fn.Frame.UsesFramePointer {
		t.Fatalf("expected a function with a discovered callee-save to establish a frame pointer")
	}

	// One push for rbx, one push for rbp itself.
	if n := countOpcode(fn, x64.OpPUSH); n != 2 {
		t.Fatalf("expected exactly 2 pushes (rbp, rbx), got %d", n)
	}

	if n := countOpcode(fn, x64.OpPOP); n != 2 {
		t.Fatalf("expected exactly 2 pops (rbx, rbp) before the single return, got %d", n)
	}
}

// functionWithSpillSlots builds a function carrying a non-empty
// regalloc.Result (as spill.Rewrite would leave behind) plus a spill-slot
// frame-index load, exercising layoutSpillSlots and the
// spill.FrameIndexSlotMarker branch of offset resolution.
func functionWithSpillSlots(td target.Description) (*machine.Function, *regalloc.Result) {
	fn := machine.New("spilled", td.FirstVirtualRegister())
	bb := fn.NewBlock("entry")

	bb.Append(&machine.Instr{Opcode: x64.OpLOAD, Operands: []machine.Operand{
		machine.PhysRegDef(x64.RAX),
		machine.FrameIndex(spill.FrameIndexSlotMarker, 0),
	}})
	bb.Append(&machine.Instr{Opcode: x64.OpRET, Operands: []machine.Operand{
		machine.PhysRegUse(x64.RAX),
	}})

	return fn, &regalloc.Result{NumSlots: 1}
}

func TestFinalizeLowersSpillSlotFrameIndex(t *testing.T) {
	td := x64.New()
	fn, ra := functionWithSpillSlots(td)

	if err := frame.Finalize(fn, td, ra, frame.Config{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	noFrameIndexOperandsRemain(t, fn)

	if !fn.Frame.UsesFramePointer {
		t.Fatalf("expected a function with spill slots to establish a frame pointer")
	}
}

// functionWithReturnAddressFetch builds a function using the
// IntrinsicReturnAddress lowering's frame-index encoding (FrameIndex -1),
// which must resolve independently of any spill slot sharing the same
// literal index in the selector's own (now distinct) encoding.
func functionWithReturnAddressFetch(td target.Description) *machine.Function {
	fn := machine.New("retaddr", td.FirstVirtualRegister())
	bb := fn.NewBlock("entry")

	bb.Append(&machine.Instr{Opcode: x64.OpLOAD, Operands: []machine.Operand{
		machine.PhysRegDef(x64.RAX),
		machine.FrameIndex(-1, 0),
	}})
	bb.Append(&machine.Instr{Opcode: x64.OpRET, Operands: []machine.Operand{
		machine.PhysRegUse(x64.RAX),
	}})

	return fn
}

func TestFinalizeLowersReturnAddressFrameIndex(t *testing.T) {
	td := x64.New()
	fn := functionWithReturnAddressFetch(td)

	if err := frame.Finalize(fn, td, nil, frame.Config{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	noFrameIndexOperandsRemain(t, fn)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	td := x64.New()
	fn := calleeSaveFunction(td)

	if err := frame.Finalize(fn, td, nil, frame.Config{}); err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	before := countOpcode(fn, x64.OpPUSH)

	if err := frame.Finalize(fn, td, nil, frame.Config{}); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	if after := countOpcode(fn, x64.OpPUSH); after != before {
		t.Fatalf("expected finalizing an already-finalized function to be a no-op, got %d pushes before and %d after", before, after)
	}
}

func TestFinalizeDisableFPElimForcesFramePointer(t *testing.T) {
	td := x64.New()
	fn := leafFunction(td)

	if err := frame.Finalize(fn, td, nil, frame.Config{DisableFPElim: true}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if !fn.Frame.UsesFramePointer {
		t.Fatalf("expected --disable-fp-elim to force a frame pointer even for an otherwise-eligible leaf function")
	}
}
