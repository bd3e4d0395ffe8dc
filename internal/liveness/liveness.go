// Package liveness numbers a machine function's instructions and builds the
// live intervals the register allocator scans (§4.2). It replaces the
// teacher's internal/codegen/regalloc.buildLiveIntervals -- a single
// straight-line def/use scan with a loop-depth spill-cost heuristic -- with
// a CFG-aware version: a backward dataflow fixpoint over block successors
// extends intervals across block boundaries, and physical-register
// clobbers contribute unspillable fixed intervals alongside the virtual
// ones.
package liveness

import (
	"sort"

	"github.com/orizon-lang/orizon-codegen/internal/errtax"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// Position is a dense instruction index, the coordinate space intervals are
// expressed in (§4.2 "Numbering").
type Position int

// Interval is one live range: either a virtual register's single merged
// range, or a physical register's fixed (unspillable) range (§4.2
// "Invariants", §4.3 "fixed interval").
type Interval struct {
	VReg    machine.VReg
	Phys    target.RegID
	Fixed   bool
	Class   target.RegClassID
	Start   Position
	End     Position // half-open: [Start, End)
	Weight  float64
	UseCount int
}

// Overlaps reports whether i and o's half-open ranges intersect.
func (i *Interval) Overlaps(o *Interval) bool {
	return i.Start < o.End && o.Start < i.End
}

// Covers reports whether p falls within i's half-open range.
func (i *Interval) Covers(p Position) bool { return p >= i.Start && p < i.End }

// Result is the full output of live-interval analysis for one function:
// every instruction's position, and the sorted interval set (§4.2
// "Output... a numeric index" / "sorted collection of live intervals").
type Result struct {
	NumInstrs int
	// Fixed holds one interval per contiguous physical-register clobber,
	// weight posInf (the finite 1e18 sentinel), never spilled (§4.3
	// "unspillable").
	Fixed []*Interval
	// Virtual holds one merged interval per virtual register that is
	// actually read somewhere; dead defines (never used) are dropped, per
	// the teacher's buildLiveIntervals "dead code" skip.
	Virtual []*Interval
	// InstrPositions is aligned 1:1 with machine.Function.Instrs(): the
	// position assigned to the instruction at that flattened index. The
	// allocator's iterative spill restart uses this to find the exact
	// positions a spilled vreg is touched at (§4.3 "new short intervals
	// covering the spill loads/stores").
	InstrPositions []Position

	blockRange map[int][2]Position // block id -> [start, end) over its instructions
}

// All returns Fixed followed by Virtual, both individually sorted by Start
// -- the seed order for the allocator's unhandled queue (§4.2 "physical
// registers first for fixed ranges, then virtual").
func (r *Result) All() []*Interval {
	out := make([]*Interval, 0, len(r.Fixed)+len(r.Virtual))
	out = append(out, r.Fixed...)
	out = append(out, r.Virtual...)

	return out
}

// liveSet tracks which virtual registers are live; physical registers never
// participate in the block-level dataflow (their clobbers are fixed,
// single-point intervals built directly from the instruction stream below).
type liveSet map[machine.VReg]bool

// Analyze numbers every instruction in fn (layout order, §4.2 "Numbering")
// and builds its live intervals against td's instruction descriptors for
// implicit physical-register uses/defs.
func Analyze(fn *machine.Function, td target.Description) (*Result, error) {
	ii := td.InstructionInfo()

	positions, blockRange, numInstrs := number(fn)

	blockDefUse := make(map[int]struct{ def, use liveSet }, len(fn.Blocks))
	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		def, use := localDefUse(bb, ii)
		blockDefUse[bb.ID] = struct{ def, use liveSet }{def, use}
	}

	liveIn, liveOut := fixpoint(fn, blockDefUse)

	vState := make(map[machine.VReg]*vregAccum)
	var fixed []*Interval

	depth := loopDepths(fn)

	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		rng := blockRange[bb.ID]
		live := make(liveSet)

		for k := range liveOut[bb.ID] {
			live[k] = true
		}

		for idx := len(bb.Insns) - 1; idx >= 0; idx-- {
			in := bb.Insns[idx]
			pos := positions[bb.ID][idx]
			cost := spillCost(depth[bb.ID])

			for _, o := range in.Defs() {
				if o.Kind != machine.OperandVReg {
					continue
				}

				acc := vState[o.VReg]
				if acc == nil {
					acc = &vregAccum{class: o.Class}
					vState[o.VReg] = acc
				}

				if live[o.VReg] || acc.touched {
					acc.recordDef(pos, cost)
				}

				delete(live, o.VReg)
			}

			for _, o := range in.Uses() {
				if o.Kind != machine.OperandVReg {
					continue
				}

				acc := vState[o.VReg]
				if acc == nil {
					acc = &vregAccum{class: o.Class}
					vState[o.VReg] = acc
				}

				acc.recordUse(pos, cost)
				live[o.VReg] = true
			}

			desc, hasDesc := ii.Descriptor(in.Opcode)

			for _, o := range in.Operands {
				if o.Kind != machine.OperandPhysReg {
					continue
				}

				fixed = append(fixed, &Interval{Phys: o.PhysReg, Fixed: true, Start: pos, End: pos + 1, Weight: posInf})
			}

			if hasDesc {
				for _, r := range desc.ImplicitDefs {
					fixed = append(fixed, &Interval{Phys: r, Fixed: true, Start: pos, End: pos + 1, Weight: posInf})
				}

				for _, r := range desc.ImplicitUses {
					fixed = append(fixed, &Interval{Phys: r, Fixed: true, Start: pos, End: pos + 1, Weight: posInf})
				}
			}
		}

		// Extend across the block boundary: anything live-in to this block
		// must be considered live across its entire span so a later block's
		// use (already folded into liveOut above) is connected through.
		for v := range liveIn[bb.ID] {
			if acc := vState[v]; acc != nil {
				acc.extendTo(rng[0])
			}
		}

		for v := range live {
			if acc := vState[v]; acc != nil {
				acc.extendTo(rng[0])
			}
		}
	}

	var virtual []*Interval

	for v, acc := range vState {
		if !acc.hasUse {
			continue // dead define, never read -- not materialized (teacher parity)
		}

		virtual = append(virtual, &Interval{
			VReg: v, Class: acc.class, Start: acc.start, End: acc.end,
			Weight: acc.weight, UseCount: acc.uses,
		})
	}

	fixed = mergeFixed(fixed)

	sort.Slice(fixed, func(i, j int) bool { return fixed[i].Start < fixed[j].Start })
	sort.Slice(virtual, func(i, j int) bool { return virtual[i].Start < virtual[j].Start })

	if err := checkInjective(positions, numInstrs); err != nil {
		return nil, err
	}

	flat := make([]Position, 0, numInstrs)
	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		flat = append(flat, positions[bb.ID]...)
	}

	return &Result{NumInstrs: numInstrs, Fixed: fixed, Virtual: virtual, InstrPositions: flat, blockRange: blockRange}, nil
}

const posInf = 1e18

// vregAccum accumulates one virtual register's def/use positions into the
// single merged half-open range §4.2 describes, plus its running spill
// weight.
type vregAccum struct {
	class   target.RegClassID
	start   Position
	end     Position
	weight  float64
	uses    int
	hasUse  bool
	touched bool
}

func (a *vregAccum) recordDef(pos Position, cost float64) {
	if !a.touched || pos < a.start {
		a.start = pos
	}

	if !a.touched || pos+1 > a.end {
		a.end = pos + 1
	}

	a.touched = true
	a.weight += cost
}

func (a *vregAccum) recordUse(pos Position, cost float64) {
	if !a.touched || pos < a.start {
		a.start = pos
	}

	if !a.touched || pos+1 > a.end {
		a.end = pos + 1
	}

	a.touched = true
	a.hasUse = true
	a.uses++
	a.weight += cost
}

func (a *vregAccum) extendTo(pos Position) {
	if a.touched && pos < a.start {
		a.start = pos
	}
}

// number assigns one dense index per instruction in layout order, and
// records each block's [start, end) span.
func number(fn *machine.Function) (map[int][]Position, map[int][2]Position, int) {
	positions := make(map[int][]Position, len(fn.Blocks))
	ranges := make(map[int][2]Position, len(fn.Blocks))

	var next Position

	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		start := next
		ps := make([]Position, len(bb.Insns))

		for i := range bb.Insns {
			ps[i] = next
			next++
		}

		positions[bb.ID] = ps
		ranges[bb.ID] = [2]Position{start, next}
	}

	return positions, ranges, int(next)
}

func localDefUse(bb *machine.BasicBlock, ii target.InstructionInfo) (def, use liveSet) {
	def = make(liveSet)
	use = make(liveSet)

	for _, in := range bb.Insns {
		for _, o := range in.Uses() {
			if o.Kind == machine.OperandVReg && !def[o.VReg] {
				use[o.VReg] = true
			}
		}

		for _, o := range in.Defs() {
			if o.Kind == machine.OperandVReg {
				def[o.VReg] = true
			}
		}
	}

	return def, use
}

// fixpoint computes liveIn/liveOut per block via the standard backward
// dataflow equations, iterating to a fixed point so irreducible or looping
// CFGs (our induction-variable test fixture among them) are handled
// correctly rather than assuming a single reverse-postorder pass suffices.
func fixpoint(fn *machine.Function, defUse map[int]struct{ def, use liveSet }) (map[int]liveSet, map[int]liveSet) {
	liveIn := make(map[int]liveSet, len(fn.Blocks))
	liveOut := make(map[int]liveSet, len(fn.Blocks))

	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		liveIn[bb.ID] = make(liveSet)
		liveOut[bb.ID] = make(liveSet)
	}

	changed := true
	for changed {
		changed = false

		for i := len(fn.Blocks) - 1; i >= 0; i-- {
			bb := fn.Blocks[i]
			if bb == nil {
				continue
			}

			out := make(liveSet)

			for _, succID := range bb.Successors {
				for k := range liveIn[succID] {
					out[k] = true
				}
			}

			du := defUse[bb.ID]
			in := make(liveSet)

			for k := range du.use {
				in[k] = true
			}

			for k := range out {
				if !du.def[k] {
					in[k] = true
				}
			}

			if !setEqual(in, liveIn[bb.ID]) || !setEqual(out, liveOut[bb.ID]) {
				changed = true
			}

			liveIn[bb.ID] = in
			liveOut[bb.ID] = out
		}
	}

	return liveIn, liveOut
}

func setEqual(a, b liveSet) bool {
	if len(a) != len(b) {
		return false
	}

	for k := range a {
		if !b[k] {
			return false
		}
	}

	return true
}

// loopDepths gives each block a loop-nesting depth via back-edge detection
// (a successor edge targeting a block that dominates-by-reachability its
// source), generalizing the teacher's detectLoopForBlock boolean into a
// depth count so nested loops weight more heavily.
func loopDepths(fn *machine.Function) map[int]int {
	depth := make(map[int]int, len(fn.Blocks))

	order := make([]int, 0, len(fn.Blocks))
	idOf := make(map[int]int)

	for i, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		idOf[bb.ID] = i
		order = append(order, bb.ID)
		depth[bb.ID] = 0
	}

	// A back edge is one whose target was already visited earlier in block
	// layout order (true for any reducible loop built by a structured
	// selector that emits blocks in source order, per §4.1).
	visited := make(map[int]bool)

	for _, id := range order {
		visited[id] = true

		bb := fn.BlockByID(id)
		if bb == nil {
			continue
		}

		for _, succ := range bb.Successors {
			if visited[succ] {
				// succ is a loop header; every block from succ through id
				// (inclusive, in layout order) gains one level of depth.
				for _, mid := range order {
					if idOf[mid] >= idOf[succ] && idOf[mid] <= idOf[id] {
						depth[mid]++
					}
				}
			}
		}
	}

	return depth
}

func spillCost(depth int) float64 {
	cost := 1.0
	for i := 0; i < depth; i++ {
		cost *= 10
	}

	return cost
}

// mergeFixed coalesces adjacent/overlapping single-point fixed intervals
// for the same physical register into contiguous ranges, keeping the
// allocator's fixed-interval list small.
func mergeFixed(in []*Interval) []*Interval {
	if len(in) == 0 {
		return nil
	}

	byReg := make(map[target.RegID][]*Interval)
	for _, iv := range in {
		byReg[iv.Phys] = append(byReg[iv.Phys], iv)
	}

	var out []*Interval

	for _, ivs := range byReg {
		sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })

		cur := ivs[0]

		for _, next := range ivs[1:] {
			if next.Start <= cur.End {
				if next.End > cur.End {
					cur.End = next.End
				}

				continue
			}

			out = append(out, cur)
			cur = next
		}

		out = append(out, cur)
	}

	return out
}

func checkInjective(positions map[int][]Position, numInstrs int) error {
	seen := make(map[Position]bool, numInstrs)

	for _, ps := range positions {
		for _, p := range ps {
			if seen[p] {
				return errtax.Invariant("POSITION_NOT_INJECTIVE",
					"instruction numbering assigned the same position twice", nil)
			}

			seen[p] = true
		}
	}

	return nil
}
