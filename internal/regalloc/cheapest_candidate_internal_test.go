package regalloc

import (
	"testing"

	"github.com/orizon-lang/orizon-codegen/internal/liveness"
	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// aliasPairRegisterInfo models a target with exactly two GPR-class
// registers, r and rAlias, whose storage overlaps (§3's 32-bit-register-
// and-its-16-bit-sub-register example). It is the minimal fixture for
// spec.md §8 scenario 4 ("Aliased spill candidate").
type aliasPairRegisterInfo struct {
	r, rAlias target.RegID
}

func (a aliasPairRegisterInfo) Registers() []target.PhysReg { return nil }
func (a aliasPairRegisterInfo) ByName(string) (target.PhysReg, bool) {
	return target.PhysReg{}, false
}
func (a aliasPairRegisterInfo) ByID(target.RegID) (target.PhysReg, bool) {
	return target.PhysReg{}, false
}
func (a aliasPairRegisterInfo) IsPhysical(target.RegID) bool { return true }
func (a aliasPairRegisterInfo) Classes() []target.RegClass   { return nil }
func (a aliasPairRegisterInfo) ClassByID(target.RegClassID) (target.RegClass, bool) {
	return target.RegClass{}, false
}

func (a aliasPairRegisterInfo) Aliases(id target.RegID) []target.RegID {
	switch id {
	case a.r:
		return []target.RegID{a.rAlias}
	case a.rAlias:
		return []target.RegID{a.r}
	default:
		return nil
	}
}

// TestCheapestCandidateSumsWeightAcrossAlias is spec.md §8 scenario 4: a
// virtual interval is assigned to r, another to r's alias rAlias, and both
// overlap cur. Summing only the exact-match register (the pre-fix
// behavior) would score r as 0 and rAlias as its own weight, so r would
// always look cheaper than rAlias even though freeing r leaves rAlias's
// occupant (reachable only through the alias) still blocking the class.
// The correct score for both r and rAlias must include both intervals'
// weights, since either choice evicts an interval that conflicts with the
// other register through the alias.
func TestCheapestCandidateSumsWeightAcrossAlias(t *testing.T) {
	ri := aliasPairRegisterInfo{r: 100, rAlias: 101}
	members := []target.RegID{ri.r, ri.rAlias}

	cur := &liveness.Interval{VReg: 3, Start: 0, End: 10, Weight: 1}

	inR := &liveness.Interval{VReg: 1, Start: 0, End: 10, Weight: 5}
	inAlias := &liveness.Interval{VReg: 2, Start: 0, End: 10, Weight: 7}

	assignedTo := map[*liveness.Interval]target.RegID{
		inR:     ri.r,
		inAlias: ri.rAlias,
	}

	active := []*liveness.Interval{inR, inAlias}

	candidate, weight, found := cheapestCandidate(members, cur, active, nil, assignedTo, ri)
	if !found {
		t.Fatalf("expected a candidate to be found")
	}

	if weight != 12 {
		t.Fatalf("expected candidate weight to sum both aliased intervals (5+7=12), got %v for %v", weight, candidate)
	}
}

// TestCheapestCandidateIncludesOverlappingFixedAlias covers the other half
// of scenario 4: a fixed (unspillable) interval reachable only through the
// alias must still contribute its weight to the candidate score, even
// though it can never itself be evicted.
func TestCheapestCandidateIncludesOverlappingFixedAlias(t *testing.T) {
	ri := aliasPairRegisterInfo{r: 200, rAlias: 201}
	members := []target.RegID{ri.r, ri.rAlias}

	cur := &liveness.Interval{VReg: 9, Start: 0, End: 10, Weight: 1}

	fixedOnAlias := &liveness.Interval{Phys: ri.rAlias, Fixed: true, Start: 0, End: 10, Weight: 1000}

	assignedTo := map[*liveness.Interval]target.RegID{
		fixedOnAlias: ri.rAlias,
	}

	active := []*liveness.Interval{fixedOnAlias}

	candidate, weight, found := cheapestCandidate(members, cur, active, nil, assignedTo, ri)
	if !found {
		t.Fatalf("expected a candidate to be found")
	}

	if weight != 1000 {
		t.Fatalf("expected the fixed interval's weight to be attributed to both aliased registers (1000), got %v for %v", weight, candidate)
	}
}
