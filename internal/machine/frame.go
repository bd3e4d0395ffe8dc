package machine

// StackObject is one entry in the frame's ordered sequence of stack
// objects (§3 "frame information"). Negative indices are fixed (callee-
// saves, incoming args); non-negative are allocated locals. A local's
// Offset is unset (zero) until frame finalization resolves it; an incoming
// argument carries its argument-area offset from selection, which
// finalization rebases.
type StackObject struct {
	Index    int
	Size     int64
	Align    int64
	Fixed    bool
	Offset   int64
	resolved bool
}

// FrameInfo tracks a function's stack objects and frame-level facts used
// by frame finalization and the prolog/epilog inserter (§3, §4.5).
type FrameInfo struct {
	Objects []*StackObject

	HasCalls            bool
	MaxOutgoingArgBytes  int64
	HasVarSizedObjects   bool
	UsesFramePointer     bool

	nextFixed int
	nextLocal int

	// finalized is set once by frame finalization itself (MarkFinalized),
	// the only reliable idempotence signal: IsFinalized below is true
	// vacuously for a function with no stack objects at all, even one
	// finalization has never touched (e.g. a frameless leaf that still
	// clobbers a callee-saved register), so it cannot gate re-entry.
	finalized bool
}

// NewFrameInfo starts fixed-object indices at -2: index -1 is reserved
// exclusively for the hardware return-address pseudo the selector
// synthesizes directly (machine.FrameIndex(-1, 0), never through
// CreateFixedObject), so no real fixed object can ever collide with it.
func NewFrameInfo() *FrameInfo { return &FrameInfo{nextFixed: -2, nextLocal: 0} }

// CreateFixedObject allocates a fixed-index object (a callee-save slot or
// an incoming argument already at a known offset).
func (fi *FrameInfo) CreateFixedObject(size, align int64) *StackObject {
	obj := &StackObject{Index: fi.nextFixed, Size: size, Align: align, Fixed: true}
	fi.nextFixed--
	fi.Objects = append(fi.Objects, obj)

	return obj
}

// CreateStackObject allocates a local, to be laid out by frame
// finalization in stack-growth order.
func (fi *FrameInfo) CreateStackObject(size, align int64) *StackObject {
	obj := &StackObject{Index: fi.nextLocal, Size: size, Align: align}
	fi.nextLocal++
	fi.Objects = append(fi.Objects, obj)

	return obj
}

// Resolve records the object's final base-relative offset, computed by
// frame finalization (§4.5 "Lowering"). Idempotent: resolving an
// already-resolved object to the same offset is a no-op by construction,
// matching §8's idempotence requirement for finalization.
func (o *StackObject) Resolve(offset int64) {
	o.Offset = offset
	o.resolved = true
}

// Resolved reports whether frame finalization has already set this
// object's offset.
func (o *StackObject) Resolved() bool { return o.resolved }

// ObjectByIndex looks up a stack object by its frame-index.
func (fi *FrameInfo) ObjectByIndex(index int) *StackObject {
	for _, o := range fi.Objects {
		if o.Index == index {
			return o
		}
	}

	return nil
}

// IsFinalized reports whether every object currently in the frame has a
// resolved offset. This is vacuously true when Objects is empty, so it
// must not be used to decide whether finalization as a whole has already
// run -- see Finalized/MarkFinalized for that.
func (fi *FrameInfo) IsFinalized() bool {
	for _, o := range fi.Objects {
		if !o.resolved {
			return false
		}
	}

	return true
}

// Finalized reports whether frame finalization has already run against
// this function (§8 idempotence: "running frame finalization on an
// already-finalized function is a no-op"), regardless of whether the
// function has any stack objects at all.
func (fi *FrameInfo) Finalized() bool { return fi.finalized }

// MarkFinalized records that frame finalization has completed, so a later
// call becomes a no-op. Called once, at the end of a successful Finalize.
func (fi *FrameInfo) MarkFinalized() { fi.finalized = true }
