package selector

import "github.com/orizon-lang/orizon-codegen/internal/ir"

// Legalize rewrites the DAG so every remaining node is legal for a target
// whose GPR class only computes at 64-bit width: narrower integer
// arithmetic, comparisons, and GEP indices are promoted to i64/u64 via an
// inserted zero- or sign-extension, chosen by the narrower type's
// signedness (§4.1 "Legalization... illegal operations are promoted
// (widen)"). The walk is a single forward pass over the arena in
// insertion order, which is already dependence order: a node can only
// reference operands allocated before it (§4.1 "enumerates types in
// dependence order so each node is visited after its operands").
func Legalize(d *DAG) {
	// Snapshot the length: nodes appended by this pass (the inserted casts)
	// never themselves need legalizing.
	n := len(d.Nodes)

	for i := 0; i < n; i++ {
		node := d.Nodes[i]

		switch node.Kind {
		case NodeBinOp:
			legalizeBinOp(d, node)
		case NodeCmp:
			legalizeOperandWidths(d, node)
		case NodeGEP:
			legalizeGEPIndices(d, node)
		case NodeCall:
			legalizeCallArgs(d, node)
		}
	}
}

const gprWidth = 64

func legalizeBinOp(d *DAG, node *Node) {
	if node.Type.IsInt() && node.Type.Width < gprWidth {
		legalizeOperandWidths(d, node)
		node.Type = widenedIntType(node.Type)
	}
}

func legalizeOperandWidths(d *DAG, node *Node) {
	for k, opID := range node.Operands {
		node.Operands[k] = ensureGPRWidth(d, opID)
	}
}

func legalizeGEPIndices(d *DAG, node *Node) {
	// Operand 0 is the base pointer; the rest are indices to widen.
	for k := 1; k < len(node.Operands); k++ {
		node.Operands[k] = ensureGPRWidth(d, node.Operands[k])
	}
}

func legalizeCallArgs(d *DAG, node *Node) {
	for k, argID := range node.CallArgs {
		widened := ensureGPRWidthIfInt(d, argID)
		node.CallArgs[k] = widened
	}
}

// ensureGPRWidth promotes integer operands to i64/u64; float operands pass
// through unchanged (they are legal in their own XMM-width form).
func ensureGPRWidth(d *DAG, opID int) int {
	op := d.Nodes[opID]
	if !op.Type.IsInt() || op.Type.Width >= gprWidth {
		return opID
	}

	return insertExtension(d, opID, op.Type)
}

func ensureGPRWidthIfInt(d *DAG, opID int) int {
	op := d.Nodes[opID]
	if op.Type.IsInt() && op.Type.Width < gprWidth {
		return insertExtension(d, opID, op.Type)
	}

	return opID
}

func insertExtension(d *DAG, opID int, srcType *ir.Type) int {
	kind := ir.CastZExt
	if srcType.Signed {
		kind = ir.CastSExt
	}

	id := d.Operand(&Node{Kind: NodeCast, Type: widenedIntType(srcType), CastKind: kind, Chain: noID}, opID)

	return id
}

func widenedIntType(t *ir.Type) *ir.Type {
	if t.Signed {
		return ir.I64
	}

	return ir.U64
}
