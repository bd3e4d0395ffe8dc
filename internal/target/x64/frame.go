package x64

import "github.com/orizon-lang/orizon-codegen/internal/target"

// frameInfo implements target.FrameInfoProvider for the Win64 ABI: stack
// grows down, 16-byte alignment at call boundaries, no local-area base
// offset beyond the saved frame pointer (§3 "Calling convention").
type frameInfo struct{}

func (frameInfo) StackGrowsDown() bool { return true }
func (frameInfo) FrameAlignment() int  { return 16 }
func (frameInfo) LocalAreaOffset() int { return 0 }

func (frameInfo) CalleeSavedRegisters() []target.RegID { return CalleeSavedGPRs }

// MaxImmediateOffset is the largest signed 32-bit displacement x86
// addressing modes encode directly; beyond it frame finalization
// materializes the offset via a scratch-register add (§12).
func (frameInfo) MaxImmediateOffset() int64 { return 1<<31 - 1 }

func (frameInfo) FramePointerRegister() target.RegID { return RBP }
func (frameInfo) StackPointerRegister() target.RegID { return RSP }

// ScratchRegister is r11: caller-saved, never a calling-convention
// argument or return register, and conventionally reserved for
// linkage/PLT thunks rather than ordinary value allocation.
func (frameInfo) ScratchRegister() target.RegID { return R11 }

// callingConvention implements the Win64 convention the teacher's
// x64emit.go hand-rolls: first four integer/pointer args in rcx, rdx, r8,
// r9 (float args in xmm0-3, consuming an integer slot's position), the
// rest on the stack past a 32-byte shadow space.
type callingConvention struct{}

var winIntArgRegs = []target.RegID{RCX, RDX, R8, R9}
var winFloatArgRegs = []target.RegID{XMM0, XMM1, XMM2, XMM3}

func (callingConvention) AssignArgs(classes []target.RegClassID) []target.ArgLocation {
	locs := make([]target.ArgLocation, len(classes))
	stackOff := 0

	for i, class := range classes {
		if i < 4 {
			if class == ClassXMM {
				locs[i] = target.ArgLocation{InReg: true, Reg: winFloatArgRegs[i]}
			} else {
				locs[i] = target.ArgLocation{InReg: true, Reg: winIntArgRegs[i]}
			}

			continue
		}

		locs[i] = target.ArgLocation{InReg: false, StackBytes: 32 + stackOff}
		stackOff += 8
	}

	return locs
}

func (callingConvention) AssignReturn(class target.RegClassID) target.ArgLocation {
	if class == ClassXMM {
		return target.ArgLocation{InReg: true, Reg: XMM0}
	}

	return target.ArgLocation{InReg: true, Reg: RAX}
}

func (callingConvention) ShadowSpace() int { return 32 }
