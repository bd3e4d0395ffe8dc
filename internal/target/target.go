// Package target defines the capability-interface view of a target
// description (§3, §6 "Target description"/"instruction_info"/"frame_info"/
// "lowering"): static tables of registers, instruction descriptors, and
// calling convention that every later pass treats as immutable, safely
// shared, read-only data (§5).
//
// Per the design notes' treatment of the source's deep virtual hierarchy
// (TargetMachine -> InstrInfo/RegInfo/FrameInfo), each concern is modeled
// as its own small interface; a concrete target (internal/target/x64) is a
// record of function tables constructed once.
package target

import "github.com/Masterminds/semver/v3"

// RegID is a dense register id. Ids below a target's FirstVirtualRegister
// are physical; at or above it they are virtual (assigned by the machine
// function builder, not by this package).
type RegID int

// RegClassID names a register class (e.g. GPR, XMM) as an opaque small
// integer so passes can key maps on it cheaply.
type RegClassID int

// PhysReg describes one physical register: its id, display name, and the
// other physical registers whose storage overlaps it (§3 "alias set").
type PhysReg struct {
	ID      RegID
	Name    string
	Aliases []RegID
}

// RegClass is an ordered subset of physical registers among which the
// allocator may choose, plus the spill slot shape for members of the
// class.
type RegClass struct {
	ID        RegClassID
	Name      string
	Members   []RegID // preferred allocation order
	SpillSize int     // bytes
	Align     int     // bytes
}

// Opcode is a target-specific instruction opcode.
type Opcode int

// InstrFlags is a bitmask of instruction descriptor flags.
type InstrFlags uint32

const (
	FlagIsBranch InstrFlags = 1 << iota
	FlagIsReturn
	FlagIsCall
	FlagIsNop
	FlagIsMove
	// FlagFoldableLoad marks an opcode that has a memory-operand form a
	// reload could be folded into (§12 "Spill-fusing"). The spill rewriter
	// does not read it; it folds only the operands its caller lists.
	FlagFoldableLoad
)

func (f InstrFlags) Has(bit InstrFlags) bool { return f&bit != 0 }

// InstrDescriptor is the static shape of one opcode: how many operands it
// takes, which (if any) is the result, what it implicitly uses/defines
// beyond its operand list, and its flags.
type InstrDescriptor struct {
	Opcode        Opcode
	Name          string
	NumOperands   int
	ResultOperand int // index into the operand list, or -1 if none
	ImplicitUses  []RegID
	ImplicitDefs  []RegID
	Flags         InstrFlags
	// TiedTo maps a def operand index to the use operand index it must
	// share a physical register with (two-address instructions, §12).
	TiedTo map[int]int
}

// RegisterInfo enumerates registers and classes and answers alias/physical
// queries (§6 "register_info").
type RegisterInfo interface {
	Registers() []PhysReg
	ByName(name string) (PhysReg, bool)
	ByID(id RegID) (PhysReg, bool)
	IsPhysical(id RegID) bool
	Classes() []RegClass
	ClassByID(id RegClassID) (RegClass, bool)
	Aliases(id RegID) []RegID
}

// InstructionInfo enumerates opcodes and their descriptors, and answers the
// is_branch/is_call/is_return/is_nop/is_move family of queries plus the
// identities of the PHI and call-frame setup/teardown pseudos (§6
// "instruction_info").
type InstructionInfo interface {
	Descriptor(op Opcode) (InstrDescriptor, bool)
	IsBranch(op Opcode) bool
	IsCall(op Opcode) bool
	IsReturn(op Opcode) bool
	IsNop(op Opcode) bool
	IsMove(op Opcode) bool
	CallFrameSetupOpcode() Opcode
	CallFrameTeardownOpcode() Opcode
	PhiOpcode() Opcode
	// LoadOpcode and StoreOpcode identify the generic frame-slot load/store
	// pseudo the spill rewriter (§4.4) and frame finalizer (§4.5) use to
	// materialize a reload or spill; a target resolves the frame-index
	// operand down to its real memory-operand encoding at emission time.
	LoadOpcode() Opcode
	StoreOpcode() Opcode
	// NopOpcode identifies the opcode the spill rewriter substitutes for a
	// store it has elided as dead (§4.4 step 3) rather than removing the
	// instruction slot outright, so later passes never see a nil entry.
	NopOpcode() Opcode
	// PushOpcode and PopOpcode identify the single-register stack push/pop
	// pseudo frame finalization (§4.5) uses to save and restore callee-save
	// registers around a function body.
	PushOpcode() Opcode
	PopOpcode() Opcode
	// AdjustStackOpcode identifies the single-operand stack-pointer
	// adjustment pseudo frame finalization uses to allocate and release the
	// local frame area (§4.5 "allocate the frame via a single stack
	// adjustment"); a positive operand grows the frame, negative releases
	// it.
	AdjustStackOpcode() Opcode
	// MoveOpcode identifies the plain register-to-register move frame
	// finalization uses to establish the frame pointer from the stack
	// pointer at entry (§4.5 "if the function uses a frame pointer, record
	// it").
	MoveOpcode() Opcode
	// AddOpcode identifies the generic two-address add frame finalization
	// composes with MoveOpcode to materialize an out-of-range frame offset
	// into a scratch register (§12 "Frame index scavenging").
	AddOpcode() Opcode
}

// FrameInfoProvider exposes stack growth direction, alignment, local-area
// base offset, and the callee-save register list (§6 "frame_info").
type FrameInfoProvider interface {
	StackGrowsDown() bool
	FrameAlignment() int
	LocalAreaOffset() int
	CalleeSavedRegisters() []RegID
	// MaxImmediateOffset is the largest frame offset encodable directly in
	// an addressing-mode immediate; beyond it, frame finalization
	// materializes the offset via a scratch-register sequence (§12 "Frame
	// index scavenging").
	MaxImmediateOffset() int64
	// FramePointerRegister is the register frame finalization establishes
	// as the base of frame-index lowering when the function uses a frame
	// pointer (§4.5 "Lowering").
	FramePointerRegister() RegID
	// StackPointerRegister is the register frame finalization adjusts in
	// the prologue/epilogue and uses as the lowering base when the function
	// elides its frame pointer.
	StackPointerRegister() RegID
	// ScratchRegister names a register frame finalization may freely spill
	// and restore around a single instruction to materialize an
	// out-of-range frame offset (§12 "Frame index scavenging").
	ScratchRegister() RegID
}

// ArgLocation is where one argument (or the return value) is assigned: a
// physical register, or a stack offset from the callee's view of the
// incoming-argument area.
type ArgLocation struct {
	InReg      bool
	Reg        RegID
	StackBytes int // valid when !InReg: byte offset into the incoming-arg area
}

// CallingConvention assigns argument and return locations (§6 "lowering":
// "calling convention (argument assignment across registers/stack)").
type CallingConvention interface {
	AssignArgs(classes []RegClassID) []ArgLocation
	AssignReturn(class RegClassID) ArgLocation
	ShadowSpace() int
}

// Description is the complete target description: the union of the
// capability interfaces above, constructed once and shared read-only
// across every function compiled against it (§5).
type Description interface {
	Name() string
	FirstVirtualRegister() RegID
	RegisterInfo() RegisterInfo
	InstructionInfo() InstructionInfo
	FrameInfo() FrameInfoProvider
	CallingConvention() CallingConvention
	ABIVersion() *semver.Version
	// ClassForOpcode reports the register class that the given opcode's
	// result (and virtual-register operands) belong to, e.g. GPR vs XMM.
	ClassForOpcode(op Opcode) (RegClassID, bool)
}

// SupportedABIRange is the ABI version range this core's passes are known
// to be correct against (§10.4): a target whose ABIVersion falls outside
// it is refused at pipeline construction rather than silently miscompiled.
var SupportedABIRange = mustConstraint("^1.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err) // a malformed constant constraint string is a program bug
	}

	return c
}
