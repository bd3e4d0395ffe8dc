package machine

import (
	"testing"

	"github.com/orizon-lang/orizon-codegen/internal/target/x64"
)

func TestBlockIDsStableAcrossRemoval(t *testing.T) {
	f := New("f", x64.FirstVirtualRegister)
	b0 := f.NewBlock("entry")
	b1 := f.NewBlock("exit")

	f.RemoveBlock(b0.ID)

	if f.Blocks[0] != nil {
		t.Fatalf("expected removed block slot to be nil")
	}

	if f.Blocks[1].ID != b1.ID {
		t.Fatalf("remaining block id changed after removal: got %d want %d", f.Blocks[1].ID, b1.ID)
	}
}

func TestNewVRegNeverReassignsClass(t *testing.T) {
	f := New("f", x64.FirstVirtualRegister)
	v := f.NewVReg(x64.ClassGPR)

	if f.VRegClass[v] != x64.ClassGPR {
		t.Fatalf("expected vreg class GPR, got %v", f.VRegClass[v])
	}

	if v < VReg(x64.FirstVirtualRegister) {
		t.Fatalf("vreg id %d should be >= FirstVirtualRegister %d", v, x64.FirstVirtualRegister)
	}
}

func TestFrameInfoFixedAndLocalIndices(t *testing.T) {
	fi := NewFrameInfo()
	fixed := fi.CreateFixedObject(8, 8)
	local := fi.CreateStackObject(16, 8)

	if fixed.Index >= 0 {
		t.Fatalf("fixed object should have a negative index, got %d", fixed.Index)
	}

	if local.Index < 0 {
		t.Fatalf("local object should have a non-negative index, got %d", local.Index)
	}

	if fi.IsFinalized() {
		t.Fatalf("frame with unresolved offsets should not report finalized")
	}
}
