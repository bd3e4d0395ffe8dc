// Package selector lowers one function's typed IR to a machine function of
// virtual-register instructions, in three stages: build a per-block
// selection DAG (dag.go), legalize it (legalize.go), and tile it into
// machine instructions (select.go) -- §4.1.
//
// The DAG is a shared-node graph in the source this core is grounded on;
// per the design notes (§9 "Graph ownership"), nodes live in an arena
// indexed by a stable integer id and edges are index pairs, with use
// counts tracked in an auxiliary table rather than through ownership.
package selector

import "github.com/orizon-lang/orizon-codegen/internal/ir"

// NodeKind tags what a DAG node computes.
type NodeKind int

const (
	NodeConstInt NodeKind = iota
	NodeConstFloat
	NodeParam
	NodeCopyFromReg // reads a value produced in an earlier block (§4.1)
	NodeUndef
	NodeGlobalAddr
	NodeFrameIndex
	NodeBinOp
	NodeCmp
	NodeCast
	NodeGEP
	NodeLoad
	NodeStore
	NodeAlloca
	NodeDynAlloca
	NodeMalloc
	NodeFree
	NodeCall
	NodeIntrinsic
	NodeRet
	NodeBr
	NodeCondBr
	NodeUnreachable
	NodePhiPlaceholder
)

// noID marks an absent node/chain reference.
const noID = -1

// Node is one arena entry. Operands are node ids; Chain, when set, is the
// id of the previous side-effecting node this one must be ordered after.
type Node struct {
	ID       int
	Kind     NodeKind
	Type     *ir.Type
	Operands []int
	Chain    int

	ConstInt    int64
	ConstFloat  float64
	BinOp       ir.BinOpKind
	CmpPred     ir.CmpPred
	CastKind    ir.CastKind
	Name        string   // symbol, callee, or source ref name (diagnostics, params)
	CrossVReg   int      // for NodeCopyFromReg: the vreg already assigned in an earlier block
	FrameIndex  int
	CallArgs    []int
	RetVoid     bool
	Intrinsic   ir.IntrinsicKind
	Indirect    bool
	BrTargets   []string // successor IR block names, for Br/CondBr
}

// DAG is the arena for one basic block's selection graph plus the
// auxiliary use-count table the design notes call for.
type DAG struct {
	Nodes    []*Node
	UseCount []int

	constIntCache   map[constIntKey]int
	constFloatCache map[constFloatKey]int
}

type constIntKey struct {
	width int
	value int64
}

type constFloatKey struct {
	width int
	value float64
}

// NewDAG creates an empty arena.
func NewDAG() *DAG {
	return &DAG{
		constIntCache:   make(map[constIntKey]int),
		constFloatCache: make(map[constFloatKey]int),
	}
}

func (d *DAG) alloc(n *Node) int {
	n.ID = len(d.Nodes)
	d.Nodes = append(d.Nodes, n)
	d.UseCount = append(d.UseCount, 0)

	if n.Chain != noID {
		d.use(n.Chain)
	}

	return n.ID
}

// use records that consumer references operand id, incrementing its use
// count. Chain edges are not reference-counted (they encode order, not
// value consumption).
func (d *DAG) use(id int) {
	d.UseCount[id]++
}

// AddNode inserts a fully-formed node (used by legalize.go when rewriting)
// and wires up use-counts for its operand list.
func (d *DAG) AddNode(n *Node) int {
	id := d.alloc(n)
	for _, op := range n.Operands {
		d.use(op)
	}

	return id
}

// ConstInt returns the (possibly shared) node for this constant int within
// the block, per §4.1 "Constants are materialized once per block; repeated
// use shares the constant node."
func (d *DAG) ConstInt(t *ir.Type, v int64) int {
	key := constIntKey{width: t.Width, value: v}
	if id, ok := d.constIntCache[key]; ok {
		return id
	}

	id := d.alloc(&Node{Kind: NodeConstInt, Type: t, ConstInt: v, Chain: noID})
	d.constIntCache[key] = id

	return id
}

// ConstFloat is ConstInt's float counterpart.
func (d *DAG) ConstFloat(t *ir.Type, v float64) int {
	key := constFloatKey{width: t.Width, value: v}
	if id, ok := d.constFloatCache[key]; ok {
		return id
	}

	id := d.alloc(&Node{Kind: NodeConstFloat, Type: t, ConstFloat: v, Chain: noID})
	d.constFloatCache[key] = id

	return id
}

// Operand creates a node with the given operand ids, recording uses on
// each. Callers that don't thread a chain edge must set n.Chain = noID
// before calling.
func (d *DAG) Operand(n *Node, operands ...int) int {
	n.Operands = operands

	id := d.alloc(n)

	for _, op := range operands {
		d.use(op)
	}

	return id
}
