package x64

import "github.com/orizon-lang/orizon-codegen/internal/target"

type registerInfo struct {
	regs    []target.PhysReg
	byName  map[string]target.PhysReg
	byID    map[target.RegID]target.PhysReg
	classes []target.RegClass
}

func buildRegisterInfo(hasAVX bool) registerInfo {
	regs := []target.PhysReg{
		{ID: RAX, Name: "rax", Aliases: []target.RegID{EAX}},
		{ID: RCX, Name: "rcx"},
		{ID: RDX, Name: "rdx", Aliases: []target.RegID{EDX}},
		{ID: R8, Name: "r8"},
		{ID: R9, Name: "r9"},
		{ID: R10, Name: "r10"},
		{ID: R11, Name: "r11"},
		{ID: RBX, Name: "rbx"},
		{ID: R12, Name: "r12"},
		{ID: R13, Name: "r13"},
		{ID: R14, Name: "r14"},
		{ID: R15, Name: "r15"},
		{ID: RSP, Name: "rsp"},
		{ID: RBP, Name: "rbp"},
		{ID: EAX, Name: "eax", Aliases: []target.RegID{RAX}},
		{ID: EDX, Name: "edx", Aliases: []target.RegID{RDX}},
		{ID: XMM0, Name: "xmm0"},
		{ID: XMM1, Name: "xmm1"},
		{ID: XMM2, Name: "xmm2"},
		{ID: XMM3, Name: "xmm3"},
		{ID: XMM4, Name: "xmm4"},
		{ID: XMM5, Name: "xmm5"},
		{ID: XMM6, Name: "xmm6"},
		{ID: XMM7, Name: "xmm7"},
		{ID: XMM8, Name: "xmm8"},
		{ID: XMM9, Name: "xmm9"},
		{ID: XMM10, Name: "xmm10"},
		{ID: XMM11, Name: "xmm11"},
		{ID: XMM12, Name: "xmm12"},
		{ID: XMM13, Name: "xmm13"},
		{ID: XMM14, Name: "xmm14"},
		{ID: XMM15, Name: "xmm15"},
	}

	xmmMembers := []target.RegID{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}

	if hasAVX {
		// AVX widens storage: xmm0 becomes the low 128 bits of ymm0. Model
		// ymm0 as a distinct, non-allocatable register aliased to xmm0 so
		// the allocator's alias-aware tracker (§4.3) sees a use of ymm0 as
		// a use of xmm0 and vice versa, matching §3's alias-set example.
		regs = append(regs, target.PhysReg{ID: YMM0, Name: "ymm0", Aliases: []target.RegID{XMM0}})
		for i := range regs {
			if regs[i].ID == XMM0 {
				regs[i].Aliases = append(regs[i].Aliases, YMM0)
			}
		}

		// AVX also makes xmm8-xmm15 addressable without a REX-prefix
		// restriction dance; the full file is already listed above.
		xmmMembers = []target.RegID{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
			XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15}
	}

	classes := []target.RegClass{
		{
			ID:   ClassGPR,
			Name: "GPR",
			// Caller-saved first (cheapest to allocate), callee-saved last,
			// matching the teacher's GPRRegisters preferred order. RSP/RBP
			// are reserved by the frame and never members of the
			// allocatable class.
			Members:   []target.RegID{RAX, RCX, RDX, R8, R9, R10, R11, RBX, R12, R13, R14, R15},
			SpillSize: 8,
			Align:     8,
		},
		{
			ID:        ClassXMM,
			Name:      "XMM",
			Members:   xmmMembers,
			SpillSize: 8, // scalar single/double use only the low 8 bytes
			Align:     8,
		},
	}

	byName := make(map[string]target.PhysReg, len(regs))
	byID := make(map[target.RegID]target.PhysReg, len(regs))

	for _, r := range regs {
		byName[r.Name] = r
		byID[r.ID] = r
	}

	return registerInfo{regs: regs, byName: byName, byID: byID, classes: classes}
}

func (r registerInfo) Registers() []target.PhysReg { return r.regs }

func (r registerInfo) ByName(name string) (target.PhysReg, bool) {
	p, ok := r.byName[name]
	return p, ok
}

func (r registerInfo) ByID(id target.RegID) (target.PhysReg, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r registerInfo) IsPhysical(id target.RegID) bool { return id < FirstVirtualRegister }

func (r registerInfo) Classes() []target.RegClass { return r.classes }

func (r registerInfo) ClassByID(id target.RegClassID) (target.RegClass, bool) {
	for _, c := range r.classes {
		if c.ID == id {
			return c, true
		}
	}

	return target.RegClass{}, false
}

func (r registerInfo) Aliases(id target.RegID) []target.RegID {
	p, ok := r.byID[id]
	if !ok {
		return nil
	}

	return p.Aliases
}

// CalleeSavedGPRs lists the GPRs the Win64 ABI requires the callee to
// preserve (§3 "Calling convention: callee-save register list").
var CalleeSavedGPRs = []target.RegID{RBX, RBP, R12, R13, R14, R15}
