// Package regalloc implements linear-scan register allocation with
// iterative spilling (§4.3), replacing the teacher's
// internal/codegen/regalloc package -- which hardcoded x64 register
// arrays and a single-pass allocate-or-give-up loop -- with the target-
// generic four-list state machine (unhandled/active/inactive/handled) and
// an alias-propagating physical-register tracker the specification
// describes.
package regalloc

import (
	"sort"

	"github.com/orizon-lang/orizon-codegen/internal/errtax"
	"github.com/orizon-lang/orizon-codegen/internal/liveness"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// Result is the allocator's output: per-vreg placement, with no machine
// instructions rewritten yet (§4.3 "Contract").
type Result struct {
	PhysOf map[machine.VReg]target.RegID
	SlotOf map[machine.VReg]int
	// Spilled is the set of vregs that ended up in a stack slot rather than
	// a physical register.
	Spilled map[machine.VReg]bool
	// NumSlots is the count of distinct stack slots handed out.
	NumSlots int
}

// maxSpillRounds bounds the iterative-restart loop. The specification
// argues natural termination (each spilled vreg is permanently removed
// from contention by becoming short, local intervals); this cap exists
// only to turn a latent allocator or target-description defect into a
// diagnosed failure instead of an infinite loop (§7 "Target-description
// defects... fatal").
const maxSpillRounds = 64

// Allocate runs live-interval analysis and the iterative linear scan over
// fn, returning the virtual-to-physical and virtual-to-slot maps the spill
// rewriter (§4.4) and frame finalizer (§4.5) consume.
func Allocate(fn *machine.Function, td target.Description) (*Result, error) {
	res, err := liveness.Analyze(fn, td)
	if err != nil {
		return nil, err
	}

	ri := td.RegisterInfo()

	fixed := res.Fixed
	virtual := res.Virtual
	slotOf := make(map[machine.VReg]int)
	nextSlot := 0

	var physOf map[machine.VReg]target.RegID

	for round := 0; ; round++ {
		if round >= maxSpillRounds {
			return nil, errtax.TargetDefect("SPILL_DID_NOT_CONVERGE",
				"iterative spilling did not converge within the round budget", map[string]interface{}{"rounds": round})
		}

		unhandled := mergeSorted(fixed, virtual)

		physOf = make(map[machine.VReg]target.RegID, len(virtual))

		spilled, err := scan(unhandled, ri, physOf)
		if err != nil {
			return nil, err
		}

		if len(spilled) == 0 {
			break
		}

		fragments := make([]*liveness.Interval, 0, len(spilled)*2)

		for _, iv := range spilled {
			if _, ok := slotOf[iv.VReg]; !ok {
				slotOf[iv.VReg] = nextSlot
				nextSlot++
			}

			fragments = append(fragments, spillFragments(fn, res, iv)...)
		}

		virtual = replaceSpilled(virtual, spilled, fragments)
	}

	spilledSet := make(map[machine.VReg]bool, len(slotOf))
	for v := range slotOf {
		spilledSet[v] = true
	}

	return &Result{PhysOf: physOf, SlotOf: slotOf, Spilled: spilledSet, NumSlots: nextSlot}, nil
}

func mergeSorted(fixed, virtual []*liveness.Interval) []*liveness.Interval {
	out := make([]*liveness.Interval, 0, len(fixed)+len(virtual))
	out = append(out, fixed...)
	out = append(out, virtual...)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		// Fixed intervals starting at the same point as a virtual one must
		// claim their register first (§4.2 "physical registers first").
		return out[i].Fixed && !out[j].Fixed
	})

	return out
}

// tracker counts per-physical-register uses, auto-propagating to aliases
// (§4.3 "A physical register tracker counts uses per physical register,
// auto-propagating to the alias set").
type tracker struct {
	counts map[target.RegID]int
	ri     target.RegisterInfo
}

func newTracker(ri target.RegisterInfo) *tracker {
	return &tracker{counts: make(map[target.RegID]int), ri: ri}
}

func (t *tracker) touched(r target.RegID) []target.RegID {
	return append([]target.RegID{r}, t.ri.Aliases(r)...)
}

func (t *tracker) inc(r target.RegID) {
	for _, id := range t.touched(r) {
		t.counts[id]++
	}
}

func (t *tracker) dec(r target.RegID) {
	for _, id := range t.touched(r) {
		if t.counts[id] > 0 {
			t.counts[id]--
		}
	}
}

func (t *tracker) free(r target.RegID) bool {
	for _, id := range t.touched(r) {
		if t.counts[id] > 0 {
			return false
		}
	}

	return true
}

// scan is the §4.3 "Main loop": one pass of the four-list linear scan over
// the pre-sorted unhandled queue. It returns the set of intervals that
// could not be assigned a physical register this round.
func scan(unhandled []*liveness.Interval, ri target.RegisterInfo, physOf map[machine.VReg]target.RegID) ([]*liveness.Interval, error) {
	var active, inactive []*liveness.Interval

	assignedTo := make(map[*liveness.Interval]target.RegID)
	trk := newTracker(ri)

	var spilled []*liveness.Interval

	classMembers := make(map[target.RegClassID][]target.RegID)

	for _, c := range ri.Classes() {
		classMembers[c.ID] = c.Members
	}

	retire := func(iv *liveness.Interval, reg target.RegID) {
		trk.dec(reg)
		delete(assignedTo, iv)
	}

	for _, cur := range unhandled {
		// Expire/deactivate active intervals relative to cur.Start.
		var stillActive []*liveness.Interval

		for _, iv := range active {
			switch {
			case iv.End <= cur.Start:
				if reg, ok := assignedTo[iv]; ok {
					retire(iv, reg)
				}
			case !iv.Covers(cur.Start):
				inactive = append(inactive, iv)

				if reg, ok := assignedTo[iv]; ok {
					trk.dec(reg)
				}
			default:
				stillActive = append(stillActive, iv)
			}
		}

		active = stillActive

		// Expire/reactivate inactive intervals relative to cur.Start.
		var stillInactive []*liveness.Interval

		for _, iv := range inactive {
			switch {
			case iv.End <= cur.Start:
				// Already had its tracker contribution removed when it went
				// inactive; nothing further to undo.
			case iv.Covers(cur.Start):
				active = append(active, iv)

				if reg, ok := assignedTo[iv]; ok {
					trk.inc(reg)
				}
			default:
				stillInactive = append(stillInactive, iv)
			}
		}

		inactive = stillInactive

		if cur.Fixed {
			assignedTo[cur] = cur.Phys
			trk.inc(cur.Phys)
			active = append(active, cur)

			continue
		}

		members := classMembers[cur.Class]

		reg, ok := firstFree(members, trk)
		if ok {
			assignedTo[cur] = reg
			physOf[cur.VReg] = reg
			trk.inc(reg)
			active = append(active, cur)

			continue
		}

		// No free register: compute per-candidate spill weight and pick the
		// cheapest victim (§4.3 "compute spill weights").
		candidate, minWeight, found := cheapestCandidate(members, cur, active, inactive, assignedTo, ri)
		if !found {
			return nil, errtax.TargetDefect("NO_CANDIDATE_REGISTER",
				"virtual interval cannot fit in any register of its class", map[string]interface{}{"class": cur.Class})
		}

		if cur.Weight <= minWeight {
			spilled = append(spilled, cur)
			continue
		}

		var keepActive []*liveness.Interval

		for _, iv := range active {
			reg, ok := assignedTo[iv]
			if ok && !iv.Fixed && sharesReg(reg, candidate, ri) && iv.Overlaps(cur) {
				spilled = append(spilled, iv)
				retire(iv, reg)

				continue
			}

			keepActive = append(keepActive, iv)
		}

		active = keepActive

		var keepInactive []*liveness.Interval

		for _, iv := range inactive {
			reg, ok := assignedTo[iv]
			if ok && !iv.Fixed && sharesReg(reg, candidate, ri) && iv.Overlaps(cur) {
				spilled = append(spilled, iv)
				delete(assignedTo, iv)

				continue
			}

			keepInactive = append(keepInactive, iv)
		}

		inactive = keepInactive

		assignedTo[cur] = candidate
		physOf[cur.VReg] = candidate
		trk.inc(candidate)
		active = append(active, cur)
	}

	return spilled, nil
}

func firstFree(members []target.RegID, trk *tracker) (target.RegID, bool) {
	for _, r := range members {
		if trk.free(r) {
			return r, true
		}
	}

	return 0, false
}

func sharesReg(a, b target.RegID, ri target.RegisterInfo) bool {
	if a == b {
		return true
	}

	for _, alias := range ri.Aliases(a) {
		if alias == b {
			return true
		}
	}

	return false
}

// cheapestCandidate picks, among cur's class members, the register whose
// overlapping assigned intervals (active and inactive, through aliases)
// plus overlapping fixed intervals have the smallest weight sum (§4.3
// "compute spill weights: for each physical register, sum the weights of
// all virtual intervals currently mapped to it that overlap cur").
func cheapestCandidate(members []target.RegID, cur *liveness.Interval, active, inactive []*liveness.Interval, assignedTo map[*liveness.Interval]target.RegID, ri target.RegisterInfo) (target.RegID, float64, bool) {
	var (
		best      target.RegID
		bestSet   bool
		bestScore float64
	)

	for _, reg := range members {
		var score float64

		for _, pool := range [][]*liveness.Interval{active, inactive} {
			for _, iv := range pool {
				r, ok := assignedTo[iv]
				if !ok || !iv.Overlaps(cur) {
					continue
				}

				if sharesReg(r, reg, ri) {
					score += iv.Weight
				}
			}
		}

		if !bestSet || score < bestScore {
			best = reg
			bestScore = score
			bestSet = true
		}
	}

	return best, bestScore, bestSet
}

// spillFragments rebuilds short, single-point intervals covering every use
// and def of iv.VReg in the original instruction stream (§4.3 "new short
// intervals covering the spill loads/stores"). Weight is set high so the
// iterative restart strongly prefers keeping them in registers; they are
// not unspillable, since a pathological case could still force them out.
func spillFragments(fn *machine.Function, res *liveness.Result, iv *liveness.Interval) []*liveness.Interval {
	const fragmentWeight = 1e6

	var frags []*liveness.Interval

	instrs := fn.Instrs()

	for i, in := range instrs {
		pos := res.InstrPositions[i]

		for _, o := range in.Uses() {
			if o.Kind == machine.OperandVReg && o.VReg == iv.VReg {
				frags = append(frags, &liveness.Interval{VReg: iv.VReg, Class: iv.Class, Start: pos, End: pos + 1, Weight: fragmentWeight, UseCount: 1})
			}
		}

		for _, o := range in.Defs() {
			if o.Kind == machine.OperandVReg && o.VReg == iv.VReg {
				frags = append(frags, &liveness.Interval{VReg: iv.VReg, Class: iv.Class, Start: pos, End: pos + 1, Weight: fragmentWeight, UseCount: 1})
			}
		}
	}

	return frags
}

// replaceSpilled drops the spilled intervals from the virtual set and adds
// their replacement fragments, ready for the next round's scan.
func replaceSpilled(virtual []*liveness.Interval, spilled, fragments []*liveness.Interval) []*liveness.Interval {
	drop := make(map[*liveness.Interval]bool, len(spilled))
	for _, iv := range spilled {
		drop[iv] = true
	}

	out := make([]*liveness.Interval, 0, len(virtual)+len(fragments))

	for _, iv := range virtual {
		if !drop[iv] {
			out = append(out, iv)
		}
	}

	return append(out, fragments...)
}
