package selector

import (
	"fmt"

	"github.com/orizon-lang/orizon-codegen/internal/errtax"
	"github.com/orizon-lang/orizon-codegen/internal/ir"
)

// blockBuilder builds one basic block's selection DAG, threading a chain
// edge through side-effecting nodes to preserve their relative order
// (§4.1 "A distinguished chain edge threads side-effecting operations").
type blockBuilder struct {
	dag   *DAG
	local map[string]int // ir ref name -> node id, within this block only

	// crossBlock resolves an ir ref name defined in a different block to
	// the vreg selection already assigned it; read-only from here.
	crossBlock func(name string) (vreg int, class *ir.Type, ok bool)

	chain int // id of the most recent side-effecting node, or noID
	phis  []pendingPhi
}

// pendingPhi captures one not-yet-backpatched incoming edge of an IR PHI
// (§4.1 "record (machine-PHI, source-vreg) pairs to be back-patched").
type pendingPhi struct {
	dagNodeID int // NodePhiPlaceholder id standing in for this PHI's destination
	irValue   ir.Value
	irPred    string
}

func newBlockBuilder(crossBlock func(string) (int, *ir.Type, bool)) *blockBuilder {
	return &blockBuilder{
		dag:        NewDAG(),
		local:      make(map[string]int),
		crossBlock: crossBlock,
		chain:      noID,
	}
}

// buildBlockDAG lowers every instruction in bb into the builder's DAG.
func (bld *blockBuilder) buildBlockDAG(fn *ir.Function, bb *ir.BasicBlock) error {
	for _, instr := range bb.Instr {
		if err := bld.buildInstr(fn, instr); err != nil {
			return err
		}
	}

	return nil
}

func (bld *blockBuilder) valueNode(v ir.Value) (int, error) {
	switch v.Kind {
	case ir.ValConstInt:
		return bld.dag.ConstInt(v.Type, v.Int64), nil
	case ir.ValConstFloat:
		return bld.dag.ConstFloat(v.Type, v.Float64), nil
	case ir.ValUndef:
		return bld.dag.alloc(&Node{Kind: NodeUndef, Type: v.Type, Chain: noID}), nil
	case ir.ValGlobal:
		return bld.dag.alloc(&Node{Kind: NodeGlobalAddr, Type: v.Type, Name: v.Ref, Chain: noID}), nil
	case ir.ValRef:
		if id, ok := bld.local[v.Ref]; ok {
			return id, nil
		}

		if vreg, _, ok := bld.crossBlock(v.Ref); ok {
			id := bld.dag.alloc(&Node{Kind: NodeCopyFromReg, Type: v.Type, CrossVReg: vreg, Chain: noID})
			bld.local[v.Ref] = id

			return id, nil
		}

		return 0, errtax.Input("UNDEFINED_VALUE", fmt.Sprintf("reference to undefined value %%%s", v.Ref),
			map[string]interface{}{"ref": v.Ref})
	default:
		return 0, errtax.Input("INVALID_VALUE_KIND", "operand has no recognizable value kind", nil)
	}
}

func (bld *blockBuilder) buildInstr(fn *ir.Function, instr ir.Instr) error {
	switch in := instr.(type) {
	case ir.BinOp:
		return bld.buildBinOp(in)
	case ir.Cmp:
		return bld.buildCmp(in)
	case ir.Cast:
		return bld.buildCast(in)
	case ir.GetElementPtr:
		return bld.buildGEP(in)
	case ir.Load:
		return bld.buildLoad(in)
	case ir.Store:
		return bld.buildStore(in)
	case ir.Alloca:
		return bld.buildAlloca(in)
	case ir.Malloc:
		return bld.buildMalloc(in)
	case ir.Free:
		return bld.buildFree(in)
	case ir.Call:
		return bld.buildCall(in)
	case ir.Intrinsic:
		return bld.buildIntrinsic(in)
	case ir.Ret:
		return bld.buildRet(in)
	case ir.Br:
		bld.dag.alloc(&Node{Kind: NodeBr, Chain: bld.chain, BrTargets: []string{in.Target}})
		return nil
	case ir.CondBr:
		return bld.buildCondBr(in)
	case ir.Unreachable:
		bld.dag.alloc(&Node{Kind: NodeUnreachable, Chain: bld.chain})
		return nil
	case ir.Phi:
		return bld.buildPhi(in)
	default:
		return errtax.Input("UNKNOWN_IR_OP", fmt.Sprintf("selector has no lowering for IR instruction %T", instr),
			map[string]interface{}{"instr": fmt.Sprintf("%v", instr)})
	}
}

func (bld *blockBuilder) buildBinOp(in ir.BinOp) error {
	lhs, err := bld.valueNode(in.LHS)
	if err != nil {
		return err
	}

	rhs, err := bld.valueNode(in.RHS)
	if err != nil {
		return err
	}

	id := bld.dag.Operand(&Node{Kind: NodeBinOp, Type: in.Type, BinOp: in.Op, Chain: noID}, lhs, rhs)
	bld.local[in.Dst] = id

	return nil
}

func (bld *blockBuilder) buildCmp(in ir.Cmp) error {
	lhs, err := bld.valueNode(in.LHS)
	if err != nil {
		return err
	}

	rhs, err := bld.valueNode(in.RHS)
	if err != nil {
		return err
	}

	id := bld.dag.Operand(&Node{Kind: NodeCmp, Type: ir.I1, CmpPred: in.Pred, Chain: noID}, lhs, rhs)
	bld.local[in.Dst] = id

	return nil
}

func (bld *blockBuilder) buildCast(in ir.Cast) error {
	src, err := bld.valueNode(in.Src)
	if err != nil {
		return err
	}

	id := bld.dag.Operand(&Node{Kind: NodeCast, Type: in.Type, CastKind: in.Kind, Chain: noID}, src)
	bld.local[in.Dst] = id

	return nil
}

func (bld *blockBuilder) buildGEP(in ir.GetElementPtr) error {
	base, err := bld.valueNode(in.Base)
	if err != nil {
		return err
	}

	operands := []int{base}

	for _, idx := range in.Indices {
		n, err := bld.valueNode(idx)
		if err != nil {
			return err
		}

		operands = append(operands, n)
	}

	id := bld.dag.Operand(&Node{Kind: NodeGEP, Type: ir.PointerTo(in.Type), Chain: noID}, operands...)
	bld.local[in.Dst] = id

	return nil
}

func (bld *blockBuilder) buildLoad(in ir.Load) error {
	addr, err := bld.valueNode(in.Addr)
	if err != nil {
		return err
	}

	id := bld.dag.Operand(&Node{Kind: NodeLoad, Type: in.Type, Chain: bld.chain}, addr)
	bld.chain = id
	bld.local[in.Dst] = id

	return nil
}

func (bld *blockBuilder) buildStore(in ir.Store) error {
	addr, err := bld.valueNode(in.Addr)
	if err != nil {
		return err
	}

	val, err := bld.valueNode(in.Val)
	if err != nil {
		return err
	}

	id := bld.dag.Operand(&Node{Kind: NodeStore, Chain: bld.chain}, addr, val)
	bld.chain = id

	return nil
}

func (bld *blockBuilder) buildAlloca(in ir.Alloca) error {
	n := &Node{Kind: NodeAlloca, Type: ir.PointerTo(in.Type), Chain: bld.chain}

	if in.Count != nil {
		n.Kind = NodeDynAlloca

		count, err := bld.valueNode(*in.Count)
		if err != nil {
			return err
		}

		id := bld.dag.Operand(n, count)
		bld.chain = id
		bld.local[in.Dst] = id

		return nil
	}

	id := bld.dag.Operand(n)
	bld.chain = id
	bld.local[in.Dst] = id

	return nil
}

func (bld *blockBuilder) buildMalloc(in ir.Malloc) error {
	size, err := bld.valueNode(in.Size)
	if err != nil {
		return err
	}

	id := bld.dag.Operand(&Node{Kind: NodeMalloc, Type: ir.PointerTo(in.Type), Chain: bld.chain}, size)
	bld.chain = id
	bld.local[in.Dst] = id

	return nil
}

func (bld *blockBuilder) buildFree(in ir.Free) error {
	ptr, err := bld.valueNode(in.Ptr)
	if err != nil {
		return err
	}

	id := bld.dag.Operand(&Node{Kind: NodeFree, Chain: bld.chain}, ptr)
	bld.chain = id

	return nil
}

func (bld *blockBuilder) buildCall(in ir.Call) error {
	n := &Node{Kind: NodeCall, Type: in.RetType, Name: in.Callee, Chain: bld.chain}

	operands := []int{}

	if in.CalleeVal != nil {
		n.Indirect = true

		calleeNode, err := bld.valueNode(*in.CalleeVal)
		if err != nil {
			return err
		}

		operands = append(operands, calleeNode)
	}

	for _, a := range in.Args {
		arg, err := bld.valueNode(a)
		if err != nil {
			return err
		}

		operands = append(operands, arg)
		n.CallArgs = append(n.CallArgs, arg)
	}

	id := bld.dag.Operand(n, operands...)
	bld.chain = id

	if in.Dst != "" {
		bld.local[in.Dst] = id
	}

	return nil
}

func (bld *blockBuilder) buildIntrinsic(in ir.Intrinsic) error {
	n := &Node{Kind: NodeIntrinsic, Type: in.Type, Intrinsic: in.Kind, Chain: bld.chain}

	var operands []int

	for _, a := range in.Args {
		node, err := bld.valueNode(a)
		if err != nil {
			return err
		}

		operands = append(operands, node)
	}

	id := bld.dag.Operand(n, operands...)
	bld.chain = id

	if in.Dst != "" {
		bld.local[in.Dst] = id
	}

	return nil
}

func (bld *blockBuilder) buildRet(in ir.Ret) error {
	if in.Val == nil {
		bld.dag.alloc(&Node{Kind: NodeRet, Chain: bld.chain, RetVoid: true})
		return nil
	}

	v, err := bld.valueNode(*in.Val)
	if err != nil {
		return err
	}

	bld.dag.Operand(&Node{Kind: NodeRet, Chain: bld.chain}, v)

	return nil
}

func (bld *blockBuilder) buildCondBr(in ir.CondBr) error {
	cond, err := bld.valueNode(in.Cond)
	if err != nil {
		return err
	}

	bld.dag.Operand(&Node{Kind: NodeCondBr, Chain: bld.chain, BrTargets: []string{in.True, in.False}}, cond)

	return nil
}

func (bld *blockBuilder) buildPhi(in ir.Phi) error {
	id := bld.dag.alloc(&Node{Kind: NodePhiPlaceholder, Type: in.Type, Chain: noID})
	bld.local[in.Dst] = id

	for _, incoming := range in.Incoming {
		bld.phis = append(bld.phis, pendingPhi{dagNodeID: id, irValue: incoming.Value, irPred: incoming.Pred})
	}

	return nil
}
