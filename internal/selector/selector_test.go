package selector

import (
	"testing"

	"github.com/orizon-lang/orizon-codegen/internal/ir"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/target/x64"
)

func straightLineAdd() *ir.Function {
	return &ir.Function{
		Name:    "add2",
		Params:  []ir.Param{{Name: "a", Type: ir.I32}, {Name: "b", Type: ir.I32}},
		RetType: ir.I32,
		Blocks: []*ir.BasicBlock{
			{
				Name: "entry",
				Instr: []ir.Instr{
					ir.BinOp{Dst: "t1", Op: ir.OpAdd, Type: ir.I32, LHS: ir.RefOf(ir.I32, "a"), RHS: ir.RefOf(ir.I32, "b")},
					ir.Ret{Val: &ir.Value{Kind: ir.ValRef, Type: ir.I32, Ref: "t1"}},
				},
			},
		},
	}
}

func instrsWithOpcode(mf *machine.Function) map[int]int {
	counts := make(map[int]int)
	for _, in := range mf.Instrs() {
		counts[int(in.Opcode)]++
	}

	return counts
}

func TestSelectStraightLineAdd(t *testing.T) {
	fn := straightLineAdd()
	if err := fn.Validate(); err != nil {
		t.Fatalf("fixture should validate: %v", err)
	}

	td := x64.New()

	mf, err := SelectFunction(fn, td)
	if err != nil {
		t.Fatalf("unexpected selection error: %v", err)
	}

	if len(mf.Blocks) != 1 {
		t.Fatalf("expected exactly one machine block, got %d", len(mf.Blocks))
	}

	counts := instrsWithOpcode(mf)
	if counts[int(x64.OpADD)] != 1 {
		t.Fatalf("expected exactly one add instruction, got %d", counts[int(x64.OpADD)])
	}

	if counts[int(x64.OpRET)] != 1 {
		t.Fatalf("expected exactly one ret instruction, got %d", counts[int(x64.OpRET)])
	}

	// Parameters a and b must have entered via RCX/RDX per the Win64
	// convention, not via the stack.
	foundParamMoves := 0

	for _, in := range mf.Blocks[0].Insns {
		if in.Opcode != x64.OpMOV {
			continue
		}

		for _, op := range in.Operands {
			if op.Kind == machine.OperandPhysReg && (op.PhysReg == x64.RCX || op.PhysReg == x64.RDX) {
				foundParamMoves++
			}
		}
	}

	if foundParamMoves < 2 {
		t.Fatalf("expected both parameters to be moved in from RCX/RDX, found %d such moves", foundParamMoves)
	}
}

// loopWithInductionVariable builds a single-block-body counting loop:
//
//	entry:
//	  br body
//	body:
//	  iv = phi [0, entry], [iv_next, body]
//	  iv_next = add iv, 1
//	  done = cmp slt iv_next, 10
//	  brcond done, body, exit
//	exit:
//	  ret iv_next
func loopWithInductionVariable() *ir.Function {
	return &ir.Function{
		Name: "count_to_ten",
		Blocks: []*ir.BasicBlock{
			{Name: "entry", Instr: []ir.Instr{ir.Br{Target: "body"}}},
			{
				Name: "body",
				Instr: []ir.Instr{
					ir.Phi{Dst: "iv", Type: ir.I32, Incoming: []ir.PhiIncoming{
						{Value: ir.ConstInt(ir.I32, 0), Pred: "entry"},
						{Value: ir.RefOf(ir.I32, "iv_next"), Pred: "body"},
					}},
					ir.BinOp{Dst: "iv_next", Op: ir.OpAdd, Type: ir.I32, LHS: ir.RefOf(ir.I32, "iv"), RHS: ir.ConstInt(ir.I32, 1)},
					ir.Cmp{Dst: "done", Pred: ir.CmpSLT, LHS: ir.RefOf(ir.I32, "iv_next"), RHS: ir.ConstInt(ir.I32, 10)},
					ir.CondBr{Cond: ir.RefOf(ir.I1, "done"), True: "body", False: "exit"},
				},
			},
			{Name: "exit", Instr: []ir.Instr{ir.Ret{Val: &ir.Value{Kind: ir.ValRef, Type: ir.I32, Ref: "iv_next"}}}},
		},
	}
}

func TestSelectLoopBackpatchesPhiAsCopies(t *testing.T) {
	fn := loopWithInductionVariable()
	if err := fn.Validate(); err != nil {
		t.Fatalf("fixture should validate: %v", err)
	}

	td := x64.New()

	mf, err := SelectFunction(fn, td)
	if err != nil {
		t.Fatalf("unexpected selection error: %v", err)
	}

	if len(mf.Blocks) != 3 {
		t.Fatalf("expected 3 machine blocks, got %d", len(mf.Blocks))
	}

	entry := mf.Blocks[0]
	body := mf.Blocks[1]

	// The PHI should have been eliminated into a copy at the end of each
	// predecessor, not survive as its own opcode.
	for _, in := range mf.Instrs() {
		if in.Opcode == x64.OpPHI {
			t.Fatalf("expected no surviving PHI instructions after elimination, found one")
		}
	}

	if len(entry.Insns) == 0 || entry.Insns[len(entry.Insns)-1].Opcode != x64.OpJMP {
		t.Fatalf("expected entry's copy-into-iv to precede its unconditional jump")
	}

	lastBodyInsns := body.Insns[len(body.Insns)-3:]
	foundSelfCopy := false

	for _, in := range lastBodyInsns {
		if in.Opcode == x64.OpMOV {
			foundSelfCopy = true
		}
	}

	if !foundSelfCopy {
		t.Fatalf("expected the loop latch to copy iv_next into iv before branching back, got tail %v", lastBodyInsns)
	}
}

func callTarget() *ir.Function {
	return &ir.Function{
		Name:    "call_helper",
		RetType: ir.I32,
		Blocks: []*ir.BasicBlock{
			{
				Name: "entry",
				Instr: []ir.Instr{
					ir.Call{Dst: "r", Callee: "helper", Args: []ir.Value{ir.ConstInt(ir.I32, 1), ir.ConstInt(ir.I32, 2)}, RetType: ir.I32},
					ir.Ret{Val: &ir.Value{Kind: ir.ValRef, Type: ir.I32, Ref: "r"}},
				},
			},
		},
	}
}

func TestSelectCallLowersArgsAndReturn(t *testing.T) {
	fn := callTarget()
	if err := fn.Validate(); err != nil {
		t.Fatalf("fixture should validate: %v", err)
	}

	td := x64.New()

	mf, err := SelectFunction(fn, td)
	if err != nil {
		t.Fatalf("unexpected selection error: %v", err)
	}

	counts := instrsWithOpcode(mf)
	if counts[int(x64.OpCALL)] != 1 {
		t.Fatalf("expected exactly one call instruction, got %d", counts[int(x64.OpCALL)])
	}

	if !mf.Frame.HasCalls {
		t.Fatalf("expected frame to record the presence of a call")
	}
}

func TestSelectRejectsReferenceToUndefinedValue(t *testing.T) {
	fn := &ir.Function{
		Name: "bad",
		Blocks: []*ir.BasicBlock{
			{
				Name: "entry",
				Instr: []ir.Instr{
					ir.Ret{Val: &ir.Value{Kind: ir.ValRef, Type: ir.I32, Ref: "nonexistent"}},
				},
			},
		},
	}

	if _, err := SelectFunction(fn, x64.New()); err == nil {
		t.Fatalf("expected an error selecting a reference to an undefined value")
	}
}
