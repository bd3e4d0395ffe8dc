package ir

import (
	"fmt"
	"strings"

	"github.com/orizon-lang/orizon-codegen/internal/errtax"
)

// Module bundles functions for one compilation unit, mirroring the
// teacher's mir.Module.
type Module struct {
	Name      string
	Functions []*Function
}

// Param is a function parameter: a name and a type.
type Param struct {
	Name string
	Type *Type
}

// Function is a sequence of basic blocks in a typed SSA form.
type Function struct {
	Name    string
	Params  []Param
	RetType *Type // nil means void
	Blocks  []*BasicBlock
}

// BasicBlock is a sequence of instructions ending with a terminator.
type BasicBlock struct {
	Name  string
	Instr []Instr
}

// Terminator returns the block's terminator instruction, or nil if the
// block is malformed (empty, or doesn't end in one).
func (bb *BasicBlock) Terminator() Instr {
	if bb == nil || len(bb.Instr) == 0 {
		return nil
	}

	last := bb.Instr[len(bb.Instr)-1]
	if !IsTerminator(last) {
		return nil
	}

	return last
}

// Successors returns the block names this block's terminator can transfer
// control to.
func (bb *BasicBlock) Successors() []string {
	switch t := bb.Terminator().(type) {
	case Br:
		return []string{t.Target}
	case CondBr:
		return []string{t.True, t.False}
	default:
		return nil
	}
}

// Predecessors computes, for every block in f, the set of blocks whose
// terminator transfers control to it.
func (f *Function) Predecessors() map[string][]string {
	preds := make(map[string][]string)

	for _, bb := range f.Blocks {
		preds[bb.Name] = nil
	}

	for _, bb := range f.Blocks {
		for _, succ := range bb.Successors() {
			preds[succ] = append(preds[succ], bb.Name)
		}
	}

	return preds
}

// BlockByName looks up a block by name, or returns nil.
func (f *Function) BlockByName(name string) *BasicBlock {
	for _, bb := range f.Blocks {
		if bb.Name == name {
			return bb
		}
	}

	return nil
}

// Validate checks the invariants §4.1 and §8 require of well-formed input:
// every block ends in exactly one terminator from the allowed set, and
// every PHI's incoming set exactly matches its block's predecessor set.
func (f *Function) Validate() error {
	preds := f.Predecessors()

	for _, bb := range f.Blocks {
		if len(bb.Instr) == 0 {
			return errtax.Input("EMPTY_BLOCK",
				fmt.Sprintf("block %q in function %q has no instructions", bb.Name, f.Name),
				map[string]interface{}{"function": f.Name, "block": bb.Name})
		}

		for i, instr := range bb.Instr[:len(bb.Instr)-1] {
			if IsTerminator(instr) {
				return errtax.Input("MIDBLOCK_TERMINATOR",
					fmt.Sprintf("block %q has a terminator before its last instruction (index %d)", bb.Name, i),
					map[string]interface{}{"function": f.Name, "block": bb.Name, "index": i})
			}
		}

		if bb.Terminator() == nil {
			return errtax.Input("MISSING_TERMINATOR",
				fmt.Sprintf("block %q in function %q does not end in a terminator", bb.Name, f.Name),
				map[string]interface{}{"function": f.Name, "block": bb.Name})
		}

		want := preds[bb.Name]
		if err := validatePhis(f.Name, bb, want); err != nil {
			return err
		}
	}

	return nil
}

func validatePhis(fname string, bb *BasicBlock, wantPreds []string) error {
	wantSet := make(map[string]bool, len(wantPreds))
	for _, p := range wantPreds {
		wantSet[p] = true
	}

	for _, instr := range bb.Instr {
		phi, ok := instr.(Phi)
		if !ok {
			continue
		}

		if len(phi.Incoming) != len(wantPreds) {
			return errtax.Input("PHI_ARITY",
				fmt.Sprintf("phi %%%s in block %q expects %d incoming pairs (one per predecessor), has %d",
					phi.Dst, bb.Name, len(wantPreds), len(phi.Incoming)),
				map[string]interface{}{"function": fname, "block": bb.Name, "phi": phi.Dst})
		}

		seen := make(map[string]bool, len(phi.Incoming))
		for _, in := range phi.Incoming {
			if !wantSet[in.Pred] {
				return errtax.Input("PHI_UNKNOWN_PRED",
					fmt.Sprintf("phi %%%s in block %q names predecessor %q which is not a predecessor of the block",
						phi.Dst, bb.Name, in.Pred),
					map[string]interface{}{"function": fname, "block": bb.Name, "phi": phi.Dst, "pred": in.Pred})
			}

			seen[in.Pred] = true
		}

		if len(seen) != len(wantSet) {
			return errtax.Input("PHI_MISSING_PRED",
				fmt.Sprintf("phi %%%s in block %q does not cover every predecessor", phi.Dst, bb.Name),
				map[string]interface{}{"function": fname, "block": bb.Name, "phi": phi.Dst})
		}
	}

	return nil
}

func (m *Module) String() string {
	if m == nil {
		return "<nil-ir-module>"
	}

	var b strings.Builder

	fmt.Fprintf(&b, "module %s\n", m.Name)

	for _, f := range m.Functions {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}

	return b.String()
}

func (f *Function) String() string {
	if f == nil {
		return "<nil-func>"
	}

	var b strings.Builder

	ret := "void"
	if f.RetType != nil {
		ret = f.RetType.String()
	}

	fmt.Fprintf(&b, "func %s(", f.Name)

	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(&b, "%s %%%s", p.Type, p.Name)
	}

	fmt.Fprintf(&b, ") -> %s {\n", ret)

	for _, bb := range f.Blocks {
		b.WriteString(bb.String())
	}

	b.WriteString("}\n")

	return b.String()
}

func (bb *BasicBlock) String() string {
	if bb == nil {
		return ""
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%s:\n", bb.Name)

	for _, in := range bb.Instr {
		b.WriteString("  ")

		if s, ok := any(in).(fmt.Stringer); ok {
			b.WriteString(s.String())
		} else {
			b.WriteString("<instr>")
		}

		b.WriteByte('\n')
	}

	return b.String()
}
