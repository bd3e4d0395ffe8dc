package machine

import (
	"fmt"
	"strings"

	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// Instr is (opcode, ordered operand list) -- §3's machine instruction.
type Instr struct {
	Opcode   target.Opcode
	Operands []Operand
}

// Uses returns the operands this instruction reads, in operand order,
// excluding implicit ones (callers that need implicit uses read them off
// the instruction descriptor via target.InstructionInfo).
func (in *Instr) Uses() []Operand { return filterOperands(in.Operands, func(o Operand) bool { return o.IsUse && !o.IsImplicit }) }

// Defs returns the operands this instruction writes, excluding implicit.
func (in *Instr) Defs() []Operand { return filterOperands(in.Operands, func(o Operand) bool { return o.IsDef && !o.IsImplicit }) }

func filterOperands(ops []Operand, pred func(Operand) bool) []Operand {
	var out []Operand

	for _, o := range ops {
		if pred(o) {
			out = append(out, o)
		}
	}

	return out
}

func (in *Instr) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "op#%d", in.Opcode)

	for _, o := range in.Operands {
		b.WriteString(" ")
		b.WriteString(o.String())
	}

	return b.String()
}

// BasicBlock is an ordered sequence of instructions, a successor set, and a
// stable id assigned at insertion (§3: "removal retains the id (the slot
// is nulled)").
type BasicBlock struct {
	ID         int
	Insns      []*Instr
	Successors []int
	// SourceBlock names the IR block this machine block was selected from,
	// for diagnostics only (§3 "a reference to the source IR block").
	SourceBlock string
}

func (bb *BasicBlock) Append(in *Instr) { bb.Insns = append(bb.Insns, in) }

// InsertAt inserts in before the instruction currently at index i (used by
// the spill rewriter and prolog/epilog inserter).
func (bb *BasicBlock) InsertAt(i int, in *Instr) {
	bb.Insns = append(bb.Insns, nil)
	copy(bb.Insns[i+1:], bb.Insns[i:])
	bb.Insns[i] = in
}

// Function is the mutable, per-function container passes consume and
// produce (§3 "Machine function").
type Function struct {
	Name   string
	Blocks []*BasicBlock
	Frame  *FrameInfo
	// VRegClass maps every virtual register to the class it was tagged
	// with at creation; a vreg is never re-tagged (§3 invariant).
	VRegClass map[VReg]target.RegClassID

	nextBlockID int
	nextVReg    VReg
}

// New creates an empty function bound to firstVirtualRegister, below which
// all register ids are physical (§3).
func New(name string, firstVirtualRegister target.RegID) *Function {
	return &Function{
		Name:      name,
		Frame:     NewFrameInfo(),
		VRegClass: make(map[VReg]target.RegClassID),
		nextVReg:  VReg(firstVirtualRegister),
	}
}

// NewBlock appends a new, empty block and returns it. The id is stable for
// the life of the function even if the block is later removed.
func (f *Function) NewBlock(sourceBlock string) *BasicBlock {
	bb := &BasicBlock{ID: f.nextBlockID, SourceBlock: sourceBlock}
	f.nextBlockID++
	f.Blocks = append(f.Blocks, bb)

	return bb
}

// RemoveBlock nulls the block's slot but does not renumber remaining
// blocks, preserving every other block's id (§3).
func (f *Function) RemoveBlock(id int) {
	for i, bb := range f.Blocks {
		if bb != nil && bb.ID == id {
			f.Blocks[i] = nil
			return
		}
	}
}

// BlockByID looks up a (possibly-nil, if removed) block by its stable id.
func (f *Function) BlockByID(id int) *BasicBlock {
	for _, bb := range f.Blocks {
		if bb != nil && bb.ID == id {
			return bb
		}
	}

	return nil
}

// NewVReg allocates a fresh virtual register tagged with class, per the
// invariant that a vreg's class is fixed for the function's lifetime.
func (f *Function) NewVReg(class target.RegClassID) VReg {
	v := f.nextVReg
	f.nextVReg++
	f.VRegClass[v] = class

	return v
}

// Instrs yields every instruction across all (non-removed) blocks in
// layout order -- the traversal order §4.2's numbering fixes.
func (f *Function) Instrs() []*Instr {
	var out []*Instr

	for _, bb := range f.Blocks {
		if bb == nil {
			continue
		}

		out = append(out, bb.Insns...)
	}

	return out
}

func (f *Function) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "machine func %s {\n", f.Name)

	for _, bb := range f.Blocks {
		if bb == nil {
			continue
		}

		fmt.Fprintf(&b, "bb#%d:\n", bb.ID)

		for _, in := range bb.Insns {
			fmt.Fprintf(&b, "  %s\n", in)
		}
	}

	b.WriteString("}\n")

	return b.String()
}
