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

// tiler walks a legalized DAG in dependence order (see TileBlock) and emits
// one or more machine.Instr per node into a single machine.BasicBlock
// (§4.1 "Tiling"). It assigns a fresh virtual register the first time a
// node's result is consumed by another node or escapes the block.
type tiler struct {
	dag *DAG
	fn  *machine.Function
	bb  *machine.BasicBlock
	td  target.Description

	vregOf map[int]machine.VReg

	// resolveBlock maps an IR block name to the already-allocated machine
	// block id it lowers to; every block is created before any is tiled; so
	// branch targets never need backpatching (§4.1, unlike PHI sources).
	resolveBlock func(name string) int
}

func newTiler(dag *DAG, fn *machine.Function, bb *machine.BasicBlock, td target.Description, resolveBlock func(string) int) *tiler {
	return &tiler{dag: dag, fn: fn, bb: bb, td: td, vregOf: make(map[int]machine.VReg), resolveBlock: resolveBlock}
}

// classForType reports the register class a value of t lives in.
func classForType(t *ir.Type) target.RegClassID {
	if t.IsFloat() {
		return x64.ClassXMM
	}

	return x64.ClassGPR
}

func (tl *tiler) emit(op target.Opcode, operands ...machine.Operand) *machine.Instr {
	in := &machine.Instr{Opcode: op, Operands: operands}
	tl.bb.Append(in)

	return in
}

// vregFor returns the vreg already assigned to node id's result, allocating
// one on first reference (NodePhiPlaceholder's destination vreg is
// allocated eagerly by tileNode's NodePhiPlaceholder case instead, so that cross-block
// consumers and the PHI backpatcher agree on it before it's ever reached).
func (tl *tiler) vregFor(id int) machine.VReg {
	if v, ok := tl.vregOf[id]; ok {
		return v
	}

	n := tl.dag.Nodes[id]
	v := tl.fn.NewVReg(classForType(n.Type))
	tl.vregOf[id] = v

	return v
}

// operand renders node id as a use operand, folding small integer constants
// directly into an immediate instead of materializing them in a register
// (the common case the instruction descriptors' operand counts assume).
// Float constants are carried as their raw bit pattern, as phiSourceOperand
// does for PHI sources.
func (tl *tiler) operand(id int) machine.Operand {
	n := tl.dag.Nodes[id]

	switch n.Kind {
	case NodeConstInt:
		if n.Type.Signed {
			return machine.ImmS(n.ConstInt)
		}

		return machine.ImmU(uint64(n.ConstInt))
	case NodeConstFloat:
		return machine.ImmU(math.Float64bits(n.ConstFloat))
	case NodeCopyFromReg:
		return machine.VRegUse(machine.VReg(n.CrossVReg), classForType(n.Type))
	case NodeGlobalAddr:
		return machine.GlobalAddress(n.Name)
	case NodeFrameIndex:
		return machine.FrameIndex(n.FrameIndex, 0)
	default:
		return machine.VRegUse(tl.vregFor(id), classForType(n.Type))
	}
}

// TileBlock lowers every node once, in arena order except that a node's
// operands and call arguments are tiled before the node itself, so an
// extension the legalizer appended to the arena is emitted ahead of its
// consumer. It returns the node-id -> vreg map so the caller can answer
// crossBlock lookups for later blocks and resolve PHI sources.
func (tl *tiler) TileBlock() (map[int]machine.VReg, error) {
	tiled := make([]bool, len(tl.dag.Nodes))

	var visit func(id int) error
	visit = func(id int) error {
		n := tl.dag.Nodes[id]
		if tiled[id] {
			return nil
		}

		tiled[id] = true

		for _, op := range append(append([]int(nil), n.Operands...), n.CallArgs...) {
			if err := visit(op); err != nil {
				return err
			}
		}

		return tl.tileNode(n)
	}

	for id := range tl.dag.Nodes {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	return tl.vregOf, nil
}

func (tl *tiler) tileNode(n *Node) error {
	switch n.Kind {
	case NodeConstInt, NodeConstFloat, NodeCopyFromReg, NodeGlobalAddr, NodeFrameIndex, NodeParam:
		// Rendered lazily at the point of use; nothing to emit here.
		return nil
	case NodePhiPlaceholder:
		// Reserve the destination vreg now so earlier-tiled blocks that
		// reference it via crossBlock, and the later PHI backpatcher, see
		// the same register (§4.1 PHI backpatching).
		tl.vregFor(n.ID)
		return nil
	case NodeBinOp:
		return tl.tileBinOp(n)
	case NodeCmp:
		return tl.tileCmp(n)
	case NodeCast:
		return tl.tileCast(n)
	case NodeGEP:
		return tl.tileGEP(n)
	case NodeLoad:
		tl.emit(x64.OpLOAD, machine.VRegDef(tl.vregFor(n.ID), classForType(n.Type)), tl.operand(n.Operands[0]))
		return nil
	case NodeStore:
		tl.emit(x64.OpSTORE, tl.operand(n.Operands[0]), tl.operand(n.Operands[1]))
		return nil
	case NodeAlloca:
		return tl.tileAlloca(n)
	case NodeDynAlloca:
		return tl.tileDynAlloca(n)
	case NodeMalloc:
		return tl.tileMalloc(n)
	case NodeFree:
		return tl.tileFree(n)
	case NodeCall:
		return tl.tileCall(n)
	case NodeIntrinsic:
		return tl.tileIntrinsic(n)
	case NodeRet:
		return tl.tileRet(n)
	case NodeBr:
		blk := tl.resolveBlock(n.BrTargets[0])
		tl.emit(x64.OpJMP, machine.BlockRef(blk))
		tl.bb.Successors = append(tl.bb.Successors, blk)

		return nil
	case NodeCondBr:
		return tl.tileCondBr(n)
	case NodeUnreachable:
		return nil
	default:
		return errtax.Invariant("UNSUPPORTED_DAG_NODE", fmt.Sprintf("selector has no tiling rule for DAG node kind %d", n.Kind),
			map[string]interface{}{"node_id": n.ID})
	}
}

var intBinOpcode = map[ir.BinOpKind]target.Opcode{
	ir.OpAdd: x64.OpADD, ir.OpSub: x64.OpSUB, ir.OpMul: x64.OpIMUL,
	ir.OpAnd: x64.OpAND, ir.OpOr: x64.OpOR, ir.OpXor: x64.OpXOR,
	ir.OpShl: x64.OpSHL, ir.OpLShr: x64.OpSHR, ir.OpAShr: x64.OpSAR,
}

// floatBinOpcode covers the arithmetic ops that apply to floating values;
// IR floating-point division is represented as OpSDiv (floats have no
// separate signed/unsigned division).
var floatBinOpcode = map[ir.BinOpKind]struct{ ss, sd target.Opcode }{
	ir.OpAdd:  {x64.OpADDSS, x64.OpADDSD},
	ir.OpSub:  {x64.OpSUBSS, x64.OpSUBSD},
	ir.OpMul:  {x64.OpMULSS, x64.OpMULSD},
	ir.OpSDiv: {x64.OpDIVSS, x64.OpDIVSD},
}

func (tl *tiler) tileBinOp(n *Node) error {
	if n.Type.IsFloat() {
		variant, ok := floatBinOpcode[n.BinOp]
		if !ok {
			return errtax.Invariant("UNSUPPORTED_FLOAT_OP", fmt.Sprintf("no floating-point opcode for %s", n.BinOp), nil)
		}

		op := variant.ss
		if n.Type.Width == 64 {
			op = variant.sd
		}

		def := tl.vregFor(n.ID)
		tl.emit(op, machine.VRegDef(def, x64.ClassXMM), tl.operand(n.Operands[0]), tl.operand(n.Operands[1]))

		return nil
	}

	switch n.BinOp {
	case ir.OpUDiv, ir.OpSDiv, ir.OpURem, ir.OpSRem:
		return tl.tileDivRem(n)
	}

	op, ok := intBinOpcode[n.BinOp]
	if !ok {
		return errtax.Invariant("UNSUPPORTED_INT_OP", fmt.Sprintf("no integer opcode for %s", n.BinOp), nil)
	}

	def := tl.vregFor(n.ID)
	tl.emit(op, machine.VRegDef(def, x64.ClassGPR), tl.operand(n.Operands[0]), tl.operand(n.Operands[1]))

	return nil
}

// tileDivRem lowers the IDIV/DIV family, which take their dividend and
// yield their quotient/remainder through the fixed RAX:RDX pair rather
// than through an operand list (§6 "implicit uses/defs").
func (tl *tiler) tileDivRem(n *Node) error {
	lhs := tl.operand(n.Operands[0])
	rhs := tl.operand(n.Operands[1])

	tl.emit(x64.OpMOV, machine.PhysRegDef(x64.RAX), lhs)

	signed := n.BinOp == ir.OpSDiv || n.BinOp == ir.OpSRem
	if signed {
		tl.emit(x64.OpCQO)
		tl.emit(x64.OpIDIV, rhs)
	} else {
		tl.emit(x64.OpMOV, machine.PhysRegDef(x64.RDX), machine.ImmU(0))
		tl.emit(x64.OpDIV, rhs)
	}

	def := tl.vregFor(n.ID)
	resultReg := x64.RAX

	if n.BinOp == ir.OpURem || n.BinOp == ir.OpSRem {
		resultReg = x64.RDX
	}

	tl.emit(x64.OpMOV, machine.VRegDef(def, x64.ClassGPR), machine.PhysRegUse(resultReg))

	return nil
}

func (tl *tiler) tileCmp(n *Node) error {
	tl.emit(x64.OpCMP, tl.operand(n.Operands[0]), tl.operand(n.Operands[1]))

	def := tl.vregFor(n.ID)
	tl.emit(x64.OpSETCC, machine.VRegDef(def, x64.ClassGPR), machine.ImmU(uint64(n.CmpPred)))

	return nil
}

func (tl *tiler) tileCast(n *Node) error {
	src := tl.operand(n.Operands[0])
	def := tl.vregFor(n.ID)

	var op target.Opcode

	switch n.CastKind {
	case ir.CastZExt:
		op = x64.OpMOVZX
	case ir.CastSExt, ir.CastTrunc, ir.CastBitcast:
		op = x64.OpMOV
	case ir.CastUIToFP, ir.CastSIToFP:
		op = x64.OpCVTSI2SD
		if n.Type.Width == 32 {
			op = x64.OpCVTSI2SS
		}
	case ir.CastFPToUI, ir.CastFPToSI:
		op = x64.OpCVTTSD2SI
	case ir.CastFPExt:
		op = x64.OpCVTSS2SD
	case ir.CastFPTrunc:
		op = x64.OpCVTSD2SS
	default:
		return errtax.Invariant("UNSUPPORTED_CAST", fmt.Sprintf("no opcode for cast kind %d", n.CastKind), nil)
	}

	tl.emit(op, machine.VRegDef(def, classForType(n.Type)), src)

	return nil
}

// tileGEP lowers address computation to an explicit add/multiply sequence
// (§4.1 "GEP folds into an add/multiply sequence"): an LEA of the base,
// then one multiply and one add per index, constant indices included.
func (tl *tiler) tileGEP(n *Node) error {
	base := tl.operand(n.Operands[0])
	def := tl.vregFor(n.ID)

	tl.emit(x64.OpLEA, machine.VRegDef(def, x64.ClassGPR), base)

	elemSize := int64(n.Type.Elem.ByteSize())
	if elemSize == 0 {
		elemSize = 1
	}

	for _, idxID := range n.Operands[1:] {
		idx := tl.operand(idxID)

		scaled := tl.fn.NewVReg(x64.ClassGPR)
		tl.emit(x64.OpIMUL, machine.VRegDef(scaled, x64.ClassGPR), idx, machine.ImmS(elemSize))
		tl.emit(x64.OpADD, machine.VRegDef(def, x64.ClassGPR), machine.VRegUse(def, x64.ClassGPR), machine.VRegUse(scaled, x64.ClassGPR))
	}

	return nil
}

func (tl *tiler) tileAlloca(n *Node) error {
	size := int64(n.Type.Elem.ByteSize())
	align := int64(n.Type.Elem.Align())
	obj := tl.fn.Frame.CreateStackObject(size, align)

	def := tl.vregFor(n.ID)
	tl.emit(x64.OpLEA, machine.VRegDef(def, x64.ClassGPR), machine.FrameIndex(obj.Index, 0))

	return nil
}

// tileDynAlloca lowers a runtime-sized alloca to a stack-pointer
// adjustment followed by taking its address (§4.1 "dynamic-stack-allocate
// node"); frame finalization accounts for it via HasVarSizedObjects.
func (tl *tiler) tileDynAlloca(n *Node) error {
	count := tl.operand(n.Operands[0])
	elemSize := int64(n.Type.Elem.ByteSize())

	size := tl.fn.NewVReg(x64.ClassGPR)
	tl.emit(x64.OpIMUL, machine.VRegDef(size, x64.ClassGPR), count, machine.ImmS(elemSize))
	tl.emit(x64.OpADJSTACK, machine.VRegUse(size, x64.ClassGPR))

	def := tl.vregFor(n.ID)
	tl.emit(x64.OpLEA, machine.VRegDef(def, x64.ClassGPR), machine.PhysRegUse(x64.RSP))

	tl.fn.Frame.HasVarSizedObjects = true

	return nil
}

func (tl *tiler) tileMalloc(n *Node) error {
	size := tl.operand(n.Operands[0])

	tl.emit(x64.OpMOV, machine.PhysRegDef(x64.RCX), size)
	tl.emit(x64.OpCALL, machine.ExternalSymbol("orizon_rt_alloc"))

	def := tl.vregFor(n.ID)
	tl.emit(x64.OpMOV, machine.VRegDef(def, x64.ClassGPR), machine.PhysRegUse(x64.RAX))

	tl.fn.Frame.HasCalls = true

	return nil
}

func (tl *tiler) tileFree(n *Node) error {
	ptr := tl.operand(n.Operands[0])

	tl.emit(x64.OpMOV, machine.PhysRegDef(x64.RCX), ptr)
	tl.emit(x64.OpCALL, machine.ExternalSymbol("orizon_rt_free"))

	tl.fn.Frame.HasCalls = true

	return nil
}

var intArgRegs = []target.RegID{x64.RCX, x64.RDX, x64.R8, x64.R9}

func (tl *tiler) tileCall(n *Node) error {
	var calleeOperand machine.Operand

	if n.Indirect {
		// n.Operands[0] is the callee pointer; it is untouched by legalize
		// (only n.CallArgs is widened), so it is read from Operands directly.
		calleeOperand = tl.operand(n.Operands[0])
	}

	classes := make([]target.RegClassID, len(n.CallArgs))
	argTypes := make([]*ir.Type, len(n.CallArgs))

	for i, argID := range n.CallArgs {
		argTypes[i] = tl.dag.Nodes[argID].Type
		classes[i] = classForType(argTypes[i])
	}

	locs := tl.td.CallingConvention().AssignArgs(classes)

	for i, loc := range locs {
		argOp := tl.operand(n.CallArgs[i])

		if loc.InReg {
			tl.emit(movOpcodeForType(argTypes[i]), machine.PhysRegDef(loc.Reg), argOp)
		} else {
			tl.emit(x64.OpPUSH, argOp)
		}
	}

	if n.Indirect {
		tl.emit(x64.OpCALL, calleeOperand)
	} else {
		tl.emit(x64.OpCALL, machine.ExternalSymbol(n.Name))
	}

	tl.fn.Frame.HasCalls = true

	if n.Type != nil && n.Type.Kind != ir.TypeVoid {
		def := tl.vregFor(n.ID)
		retLoc := tl.td.CallingConvention().AssignReturn(classForType(n.Type))

		tl.emit(movOpcodeForType(n.Type), machine.VRegDef(def, classForType(n.Type)), machine.PhysRegUse(retLoc.Reg))
	}

	return nil
}

// tileIntrinsic lowers the small, always-inlined intrinsics directly and
// the rest as library calls, per the comment on ir.Intrinsic.
func (tl *tiler) tileIntrinsic(n *Node) error {
	switch n.Intrinsic {
	case ir.IntrinsicReturnAddress:
		def := tl.vregFor(n.ID)
		tl.emit(x64.OpLOAD, machine.VRegDef(def, x64.ClassGPR), machine.FrameIndex(-1, 0))

		return nil
	case ir.IntrinsicFrameAddress:
		def := tl.vregFor(n.ID)
		tl.emit(x64.OpMOV, machine.VRegDef(def, x64.ClassGPR), machine.PhysRegUse(x64.RBP))

		return nil
	default:
		symbol := "orizon_rt_" + n.Intrinsic.String()

		for i, argID := range n.Operands {
			if i >= len(intArgRegs) {
				break
			}

			tl.emit(x64.OpMOV, machine.PhysRegDef(intArgRegs[i]), tl.operand(argID))
		}

		tl.emit(x64.OpCALL, machine.ExternalSymbol(symbol))
		tl.fn.Frame.HasCalls = true

		if n.Type != nil && n.Type.Kind != ir.TypeVoid {
			def := tl.vregFor(n.ID)
			tl.emit(x64.OpMOV, machine.VRegDef(def, x64.ClassGPR), machine.PhysRegUse(x64.RAX))
		}

		return nil
	}
}

func (tl *tiler) tileRet(n *Node) error {
	if n.RetVoid {
		tl.emit(x64.OpRET)
		return nil
	}

	v := tl.operand(n.Operands[0])
	retType := tl.dag.Nodes[n.Operands[0]].Type
	retLoc := tl.td.CallingConvention().AssignReturn(classForType(retType))

	tl.emit(movOpcodeForType(retType), machine.PhysRegDef(retLoc.Reg), v)
	tl.emit(x64.OpRET)

	return nil
}

// tileCondBr always emits an explicit compare-against-zero and a pair of
// jumps (taken + not-taken), rather than trying to fuse with a same-block
// NodeCmp's flags: the NodeCmp was already tiled into its own CMP+SETCC by
// the time tileNode reaches this node, so its boolean result already lives
// in a vreg (§4.1 leaves peephole fusion of CMP+Jcc to an optional later
// pass, gated by --nopeephole).
func (tl *tiler) tileCondBr(n *Node) error {
	cond := tl.operand(n.Operands[0])
	tl.emit(x64.OpCMP, cond, machine.ImmS(0))

	trueBlk := tl.resolveBlock(n.BrTargets[0])
	falseBlk := tl.resolveBlock(n.BrTargets[1])

	tl.emit(x64.OpJCC, machine.ImmU(uint64(ir.CmpNE)), machine.BlockRef(trueBlk), machine.BlockRef(falseBlk))
	tl.emit(x64.OpJMP, machine.BlockRef(falseBlk))

	tl.bb.Successors = append(tl.bb.Successors, trueBlk, falseBlk)

	return nil
}
