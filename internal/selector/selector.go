package selector

import (
	"fmt"
	"math"

	"github.com/orizon-lang/orizon-codegen/internal/errtax"
	"github.com/orizon-lang/orizon-codegen/internal/ir"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/target"
	"github.com/orizon-lang/orizon-codegen/internal/target/x64"
)

// SelectFunction lowers one validated IR function to a machine.Function
// against td, driving the three-stage pipeline (build, legalize, tile) over
// every block and eliminating PHIs into predecessor-block copies once every
// block's value-to-vreg assignment is known (§4.1, §12 "PHI elimination as
// copies").
//
// fn must already satisfy ir.Function.Validate(); SelectFunction does not
// re-check block/PHI well-formedness.
func SelectFunction(fn *ir.Function, td target.Description) (*machine.Function, error) {
	mf := machine.New(fn.Name, td.FirstVirtualRegister())

	blockByName := make(map[string]*machine.BasicBlock, len(fn.Blocks))
	for _, bb := range fn.Blocks {
		blockByName[bb.Name] = mf.NewBlock(bb.Name)
	}

	resolveBlock := func(name string) int {
		return blockByName[name].ID
	}

	funcValueVReg := make(map[string]machine.VReg)
	funcValueType := make(map[string]*ir.Type)

	if err := lowerParams(fn, mf, td, funcValueVReg, funcValueType); err != nil {
		return nil, err
	}

	crossBlock := func(name string) (int, *ir.Type, bool) {
		v, ok := funcValueVReg[name]
		if !ok {
			return 0, nil, false
		}

		return int(v), funcValueType[name], true
	}

	var pending []resolvedPendingPhi

	for _, bb := range fn.Blocks {
		bld := newBlockBuilder(crossBlock)

		if err := bld.buildBlockDAG(fn, bb); err != nil {
			return nil, fmt.Errorf("selecting block %q: %w", bb.Name, err)
		}

		Legalize(bld.dag)

		mb := blockByName[bb.Name]

		tl := newTiler(bld.dag, mf, mb, td, resolveBlock)

		vregOf, err := tl.TileBlock()
		if err != nil {
			return nil, fmt.Errorf("tiling block %q: %w", bb.Name, err)
		}

		for name, nodeID := range bld.local {
			node := bld.dag.Nodes[nodeID]
			if node.Kind == NodeCopyFromReg {
				continue // alias of an already-published cross-block value
			}

			if v, ok := vregOf[nodeID]; ok {
				funcValueVReg[name] = v
				funcValueType[name] = node.Type
			}
		}

		for _, p := range bld.phis {
			v, ok := vregOf[p.dagNodeID]
			if !ok {
				return nil, errtax.Invariant("PHI_VREG_UNASSIGNED",
					fmt.Sprintf("phi placeholder in block %q has no assigned vreg", bb.Name), nil)
			}

			pending = append(pending, resolvedPendingPhi{destVReg: v, destClass: bld.dag.Nodes[p.dagNodeID].Type, irValue: p.irValue, irPred: p.irPred})
		}
	}

	if err := backpatchPhis(pending, blockByName, funcValueVReg, funcValueType, td); err != nil {
		return nil, err
	}

	return mf, nil
}

// resolvedPendingPhi is one incoming edge of a PHI whose destination vreg is
// already known, waiting for its predecessor block's copy to be inserted.
type resolvedPendingPhi struct {
	destVReg  machine.VReg
	destClass *ir.Type
	irValue   ir.Value
	irPred    string
}

// lowerParams assigns each parameter a vreg up front (so any block may
// reference it via crossBlock) and emits the argument-receiving copies at
// the head of the entry block, per the target's calling convention.
func lowerParams(fn *ir.Function, mf *machine.Function, td target.Description, vregs map[string]machine.VReg, types map[string]*ir.Type) error {
	if len(fn.Params) == 0 {
		return nil
	}

	if len(fn.Blocks) == 0 {
		return errtax.Input("EMPTY_FUNCTION", fmt.Sprintf("function %q has parameters but no blocks", fn.Name), nil)
	}

	classes := make([]target.RegClassID, len(fn.Params))
	for i, p := range fn.Params {
		classes[i] = classForType(p.Type)
	}

	locs := td.CallingConvention().AssignArgs(classes)
	entry := mf.Blocks[0]

	var prologue []*machine.Instr

	for i, p := range fn.Params {
		class := classes[i]
		v := mf.NewVReg(class)
		vregs[p.Name] = v
		types[p.Name] = p.Type

		if locs[i].InReg {
			op := movOpcodeForType(p.Type)
			prologue = append(prologue, &machine.Instr{Opcode: op, Operands: []machine.Operand{
				machine.VRegDef(v, class), machine.PhysRegUse(locs[i].Reg),
			}})

			continue
		}

		obj := mf.Frame.CreateFixedObject(int64(p.Type.ByteSize()), int64(p.Type.Align()))
		obj.Offset = int64(locs[i].StackBytes)

		prologue = append(prologue, &machine.Instr{Opcode: movOpcodeForType(p.Type), Operands: []machine.Operand{
			machine.VRegDef(v, class), machine.FrameIndex(obj.Index, 0),
		}})
	}

	entry.Insns = append(prologue, entry.Insns...)

	return nil
}

// movOpcodeForType picks the move opcode that preserves t's representation:
// plain register moves for integers/pointers, the matching scalar SSE move
// for f32/f64.
func movOpcodeForType(t *ir.Type) target.Opcode {
	if !t.IsFloat() {
		return x64.OpMOV
	}

	if t.Width == 32 {
		return x64.OpMOVSS
	}

	return x64.OpMOVSD
}

func backpatchPhis(pending []resolvedPendingPhi, blocks map[string]*machine.BasicBlock, vregs map[string]machine.VReg, types map[string]*ir.Type, td target.Description) error {
	ii := td.InstructionInfo()

	for _, p := range pending {
		pred, ok := blocks[p.irPred]
		if !ok {
			return errtax.Invariant("PHI_UNKNOWN_PRED_BLOCK", fmt.Sprintf("phi predecessor %q has no machine block", p.irPred), nil)
		}

		src, err := phiSourceOperand(p.irValue, vregs)
		if err != nil {
			return err
		}

		idx := len(pred.Insns)
		for idx > 0 {
			op := pred.Insns[idx-1].Opcode
			if ii.IsBranch(op) || ii.IsReturn(op) {
				idx--
				continue
			}

			break
		}

		copyOp := movOpcodeForType(p.destClass)
		pred.InsertAt(idx, &machine.Instr{Opcode: copyOp, Operands: []machine.Operand{
			machine.VRegDef(p.destVReg, classForType(p.destClass)), src,
		}})
	}

	return nil
}

func phiSourceOperand(v ir.Value, vregs map[string]machine.VReg) (machine.Operand, error) {
	switch v.Kind {
	case ir.ValConstInt:
		if v.Type.Signed {
			return machine.ImmS(v.Int64), nil
		}

		return machine.ImmU(uint64(v.Int64)), nil
	case ir.ValConstFloat:
		// Floats have no literal-immediate operand form; the PHI source is
		// carried as its raw bit pattern and rematerialized by the caller's
		// float-move opcode selection at emission time.
		return machine.ImmU(math.Float64bits(v.Float64)), nil
	case ir.ValUndef:
		return machine.ImmS(0), nil
	case ir.ValGlobal:
		return machine.GlobalAddress(v.Ref), nil
	case ir.ValRef:
		src, ok := vregs[v.Ref]
		if !ok {
			return machine.Operand{}, errtax.Invariant("PHI_SOURCE_UNRESOLVED",
				fmt.Sprintf("phi incoming value %%%s was never assigned a vreg", v.Ref), nil)
		}

		return machine.VRegUse(src, classForType(v.Type)), nil
	default:
		return machine.Operand{}, errtax.Input("INVALID_PHI_SOURCE", "phi incoming value has no recognizable kind", nil)
	}
}
