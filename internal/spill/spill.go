// Package spill rewrites a machine function's virtual-register operands
// into loads, stores, and reused physical registers (§4.4), replacing the
// teacher's emitInstructionWithRegAlloc (internal/codegen/x64emit_regalloc.go),
// which emitted a reload before and a store after every spilled operand
// unconditionally, with the specification's local-reuse scheme: per-block
// available-value maps let a physical register loaded for one operand
// serve a later operand in the same block without a redundant reload, and
// a pending-store map elides a store that is never read before being
// overwritten.
package spill

import (
	"github.com/orizon-lang/orizon-codegen/internal/errtax"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/regalloc"
	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// Config selects the rewriter variant (§6 "spiller = {simple, local}",
// "no-local-ra").
type Config struct {
	// Simple selects the non-reusing, reload-before/store-after-every-use
	// policy (--no-local-ra) instead of the local-reuse scan.
	Simple bool
	// DisableFusing, when true, never folds a spilled operand's reload
	// into the consuming instruction's memory-operand form even when the
	// opcode supports it (--disable-spill-fusing).
	DisableFusing bool
}

// FoldCandidate names one spilled virtual-register use operand that an
// earlier stage has determined can be rewritten directly as a frame-index
// memory operand rather than loaded into a register first, when fusing is
// enabled (§4.4 "folded memory references").
type FoldCandidate struct {
	InstrIndex int // index into machine.Function.Instrs(), before rewriting
	OperandIdx int
}

// FrameIndexSlotMarker tags a frame-index operand synthesized by the spill
// rewriter rather than by instruction selection: FrameIndex carries this
// sentinel instead of a real FrameInfo object index, and FrameOffset holds
// the spill-slot number. It is chosen far outside the range either
// instruction selection's fixed/local object indices or the
// IntrinsicReturnAddress pseudo index (-1) ever use, so frame finalization
// (§4.5) can tell the three apart unambiguously.
const FrameIndexSlotMarker = -1 << 30

func frameSlotOperand(slot int, isUse, isDef bool) machine.Operand {
	return machine.Operand{Kind: machine.OperandFrameIndex, FrameIndex: FrameIndexSlotMarker, FrameOffset: int64(slot), IsUse: isUse, IsDef: isDef}
}

// Rewrite eliminates every virtual-register operand in fn, given the
// allocator's placement decisions. folded lists use-operands already
// chosen (by an earlier folding pass) to be rewritten as a memory operand;
// Rewrite still invalidates the spill-slot availability maps for them per
// §4.4 step 4, but does not itself decide foldability.
func Rewrite(fn *machine.Function, td target.Description, ra *regalloc.Result, cfg Config, folded []FoldCandidate) error {
	ii := td.InstructionInfo()
	ri := td.RegisterInfo()

	if cfg.Simple {
		return rewriteSimple(fn, ii, ri, ra)
	}

	foldSet := make(map[foldKey]bool, len(folded))
	for _, f := range folded {
		foldSet[foldKey{f.InstrIndex, f.OperandIdx}] = true
	}

	instrIndex := 0

	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		st := newBlockState()
		out := make([]*machine.Instr, 0, len(bb.Insns)*2)

		for _, in := range bb.Insns {
			rewritten, err := st.rewriteInstr(in, instrIndex, ii, ri, ra, foldSet, cfg)
			if err != nil {
				return err
			}

			out = append(out, rewritten...)
			instrIndex++
		}

		bb.Insns = out
	}

	return nil
}

type foldKey struct {
	instr, operand int
}

// blockState is the §4.4 "Per-block state": the two mutually inverse
// availability maps plus the pending-store map for dead-store elision.
// pendingAt records, per slot, the store instruction that may still be
// elided if nothing reads its slot before it is overwritten again.
type blockState struct {
	slotToReg map[int]target.RegID
	regToSlot map[target.RegID]int
	pendingAt map[int]*machine.Instr // slot -> the store instruction itself; overwritten with a nop on elision
	nextTemp  int
}

func newBlockState() *blockState {
	return &blockState{
		slotToReg: make(map[int]target.RegID),
		regToSlot: make(map[target.RegID]int),
		pendingAt: make(map[int]*machine.Instr),
	}
}

func (st *blockState) available(slot int) (target.RegID, bool) {
	r, ok := st.slotToReg[slot]
	return r, ok
}

func (st *blockState) setAvailable(slot int, reg target.RegID) {
	st.invalidateReg(reg)
	st.invalidateSlot(slot)
	st.slotToReg[slot] = reg
	st.regToSlot[reg] = slot
}

func (st *blockState) invalidateSlot(slot int) {
	if reg, ok := st.slotToReg[slot]; ok {
		delete(st.regToSlot, reg)
		delete(st.slotToReg, slot)
	}

	delete(st.pendingAt, slot)
}

func (st *blockState) invalidateReg(reg target.RegID) {
	if slot, ok := st.regToSlot[reg]; ok {
		delete(st.slotToReg, slot)
		delete(st.regToSlot, reg)
	}
}

// markRead cancels dead-store elision eligibility: once a slot's pending
// store has been (or will be) observed read, it can never again be
// silently dropped.
func (st *blockState) markRead(slot int) {
	delete(st.pendingAt, slot)
}

func (st *blockState) rewriteInstr(in *machine.Instr, idx int, ii target.InstructionInfo, ri target.RegisterInfo, ra *regalloc.Result, foldSet map[foldKey]bool, cfg Config) ([]*machine.Instr, error) {
	var pre []*machine.Instr

	type commit struct {
		reg  target.RegID
		slot int
	}

	var commits []commit

	// conflicts reports whether r is already committed in this instruction
	// to a slot other than forSlot. Reusing the same register for the same
	// slot across multiple operands of one instruction (e.g. `add v, v`)
	// is the whole point of the availability map, not a conflict.
	conflicts := func(r target.RegID, forSlot int) bool {
		for _, c := range commits {
			if c.slot == forSlot {
				continue
			}

			if c.reg == r || sharesAlias(ri, c.reg, r) {
				return true
			}
		}

		return false
	}

	pick := func(class target.RegClassID, forSlot int) (target.RegID, error) {
		members := classMembers(ri, class)
		if len(members) == 0 {
			return 0, errtax.TargetDefect("EMPTY_REGISTER_CLASS", "spill rewriter needs a scratch register from an empty class", map[string]interface{}{"class": int(class)})
		}

		for i := 0; i < len(members); i++ {
			r := members[st.nextTemp%len(members)]
			st.nextTemp++

			if !conflicts(r, forSlot) {
				return r, nil
			}
		}

		return 0, errtax.TargetDefect("NO_SCRATCH_REGISTER", "every register in class conflicts with this instruction's other operands", map[string]interface{}{"class": int(class)})
	}

	type defSpill struct {
		slot int
		reg  target.RegID
	}

	var defSpills []defSpill

	for opIdx := range in.Operands {
		o := &in.Operands[opIdx]
		if o.Kind != machine.OperandVReg {
			continue
		}

		if phys, ok := ra.PhysOf[o.VReg]; ok {
			o.Kind = machine.OperandPhysReg
			o.PhysReg = phys

			continue
		}

		slot, isSpilled := ra.SlotOf[o.VReg]
		if !isSpilled {
			return nil, errtax.Invariant("UNASSIGNED_VREG", "virtual register has neither a physical register nor a spill slot", map[string]interface{}{"vreg": int(o.VReg)})
		}

		if o.IsUse && !cfg.DisableFusing && foldSet[foldKey{idx, opIdx}] {
			st.invalidateSlot(slot)
			*o = frameSlotOperand(slot, true, false)

			continue
		}

		if o.IsUse {
			if reg, ok := st.available(slot); ok && !conflicts(reg, slot) {
				o.Kind = machine.OperandPhysReg
				o.PhysReg = reg
				commits = append(commits, commit{reg, slot})

				continue
			}

			// Either never loaded in this block, or the register holding
			// it conflicts with another operand already committed in this
			// instruction: reload into a fresh register. When the slot was
			// already available, its long-lived map entry is left intact --
			// the conflict is purely local to this instruction's encoding
			// (§4.4 step 1, "undo the earlier reuse").
			reg, err := pick(o.Class, slot)
			if err != nil {
				return nil, err
			}

			pre = append(pre, &machine.Instr{Opcode: ii.LoadOpcode(), Operands: []machine.Operand{
				machine.PhysRegDef(reg),
				frameSlotOperand(slot, true, false),
			}})

			if _, wasAvailable := st.available(slot); !wasAvailable {
				st.setAvailable(slot, reg)
			}

			st.markRead(slot)
			o.Kind = machine.OperandPhysReg
			o.PhysReg = reg
			commits = append(commits, commit{reg, slot})

			continue
		}

		// Def of a spilled vreg: needs its own register; the store is
		// scheduled after the instruction below.
		reg, err := pick(o.Class, slot)
		if err != nil {
			return nil, err
		}

		o.Kind = machine.OperandPhysReg
		o.PhysReg = reg
		commits = append(commits, commit{reg, slot})
		defSpills = append(defSpills, defSpill{slot: slot, reg: reg})
	}

	// Step 2: clear availability for this instruction's implicit defs,
	// through their alias sets.
	if desc, ok := ii.Descriptor(in.Opcode); ok {
		for _, r := range desc.ImplicitDefs {
			st.invalidateReg(r)

			for _, a := range ri.Aliases(r) {
				st.invalidateReg(a)
			}
		}
	}

	var post []*machine.Instr

	for _, d := range defSpills {
		if prior, ok := st.pendingAt[d.slot]; ok {
			// Dead-store elision: the prior store to this slot was never
			// read before being overwritten again. Replaced with a nop
			// rather than spliced out so instruction indices (and any
			// FoldCandidate references into them) stay stable; a later
			// peephole pass (disabled by --nopeephole) is the place that
			// actually removes dead nops from the stream.
			*prior = machine.Instr{Opcode: ii.NopOpcode()}
		}

		store := &machine.Instr{Opcode: ii.StoreOpcode(), Operands: []machine.Operand{
			frameSlotOperand(d.slot, false, true),
			machine.PhysRegUse(d.reg),
		}}
		post = append(post, store)
		st.setAvailable(d.slot, d.reg)
		st.pendingAt[d.slot] = store
	}

	out := append(pre, in)
	out = append(out, post...)

	return out, nil
}

func classMembers(ri target.RegisterInfo, class target.RegClassID) []target.RegID {
	for _, c := range ri.Classes() {
		if c.ID == class {
			return c.Members
		}
	}

	return nil
}

func sharesAlias(ri target.RegisterInfo, a, b target.RegID) bool {
	if a == b {
		return true
	}

	for _, al := range ri.Aliases(a) {
		if al == b {
			return true
		}
	}

	return false
}

// rewriteSimple is the --no-local-ra path (§6 "no-local-ra selects the
// simple (non-scan) rewriter path"): every spilled use gets its own
// reload immediately before the instruction and every spilled def gets
// its own store immediately after, with no cross-operand or cross-
// instruction reuse, and no dead-store elision.
func rewriteSimple(fn *machine.Function, ii target.InstructionInfo, ri target.RegisterInfo, ra *regalloc.Result) error {
	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		out := make([]*machine.Instr, 0, len(bb.Insns))

		for _, in := range bb.Insns {
			var pre, post []*machine.Instr
			nextTemp := 0

			for i := range in.Operands {
				o := &in.Operands[i]
				if o.Kind != machine.OperandVReg {
					continue
				}

				if phys, ok := ra.PhysOf[o.VReg]; ok {
					o.Kind = machine.OperandPhysReg
					o.PhysReg = phys

					continue
				}

				slot := ra.SlotOf[o.VReg]
				members := classMembers(ri, o.Class)

				var reg target.RegID
				if len(members) > 0 {
					reg = members[nextTemp%len(members)]
					nextTemp++
				}

				if o.IsUse {
					pre = append(pre, &machine.Instr{Opcode: ii.LoadOpcode(), Operands: []machine.Operand{
						machine.PhysRegDef(reg),
						frameSlotOperand(slot, true, false),
					}})
				}

				if o.IsDef {
					post = append(post, &machine.Instr{Opcode: ii.StoreOpcode(), Operands: []machine.Operand{
						frameSlotOperand(slot, false, true),
						machine.PhysRegUse(reg),
					}})
				}

				o.Kind = machine.OperandPhysReg
				o.PhysReg = reg
			}

			out = append(out, pre...)
			out = append(out, in)
			out = append(out, post...)
		}

		bb.Insns = out
	}

	return nil
}
