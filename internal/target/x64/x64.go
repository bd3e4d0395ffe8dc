// Package x64 is the concrete Windows x64-ABI target description: the
// register file, instruction descriptor table, and calling convention the
// rest of the core compiles against. It is grounded on the teacher's
// internal/codegen/regalloc (register tables) and internal/codegen/
// x64emit.go (the Win64-like calling convention: rcx/rdx/r8/r9 integer
// args, xmm0-3 float args, 32-byte shadow space, 16-byte stack alignment).
package x64

import (
	"github.com/Masterminds/semver/v3"
	"golang.org/x/sys/cpu"

	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// Physical register ids. Virtual registers start at FirstVirtualRegister.
const (
	RAX target.RegID = iota
	RCX
	RDX
	R8
	R9
	R10
	R11
	RBX
	R12
	R13
	R14
	R15
	RSP
	RBP
	EAX // 32-bit sub-register alias of RAX (§3 "alias set" example)
	EDX // 32-bit sub-register alias of RDX
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
	YMM0 // AVX-widened alias of XMM0, only registered when cpu.X86.HasAVX
	FirstVirtualRegister
)

const (
	ClassGPR target.RegClassID = iota
	ClassXMM
)

// Opcodes. Arithmetic/bitwise/shift opcodes come in one flavor per IR
// BinOpKind; IDIV/DIV use implicit RAX:RDX per the x86 ISA.
const (
	OpMOV target.Opcode = iota
	OpMOVImm
	OpLEA
	OpADD
	OpSUB
	OpIMUL
	OpIDIV // signed divide: dividend RDX:RAX, quotient->RAX, remainder->RDX
	OpDIV  // unsigned divide, same implicit operands
	OpCQO  // sign-extend RAX into RDX:RAX, ahead of IDIV
	OpAND
	OpOR
	OpXOR
	OpSHL
	OpSHR // logical
	OpSAR // arithmetic
	OpCMP
	OpSETCC
	OpMOVZX
	OpJMP
	OpJCC
	OpCALL
	OpRET
	OpLOAD
	OpSTORE
	OpPUSH
	OpPOP
	OpNOP
	OpADJSTACK     // stack pointer adjustment (prologue/epilogue and call-frame pseudos)
	OpCALLFRAMESETUP
	OpCALLFRAMETEARDOWN
	OpPHI
	// Scalar floating-point opcodes.
	OpMOVSS
	OpMOVSD
	OpADDSS
	OpADDSD
	OpSUBSS
	OpSUBSD
	OpMULSS
	OpMULSD
	OpDIVSS
	OpDIVSD
	OpCVTSI2SS
	OpCVTSI2SD
	OpCVTTSS2SI
	OpCVTTSD2SI
	OpCVTSS2SD
	OpCVTSD2SS
)

type description struct {
	regInfo  registerInfo
	instInfo instructionInfo
	frame    frameInfo
	cc       callingConvention
	abi      *semver.Version
}

// New constructs the x64 target description. It probes the host for AVX
// (§10.5): with AVX, the YMM0 alias of XMM0 is registered and the XMM class
// offers xmm0-xmm15 for allocation; without it, only xmm0-xmm7.
func New() target.Description {
	d := &description{abi: semver.MustParse("1.2.0")}
	d.regInfo = buildRegisterInfo(cpu.X86.HasAVX)
	d.instInfo = buildInstructionInfo()
	d.frame = frameInfo{}
	d.cc = callingConvention{}

	return d
}

func (d *description) Name() string                       { return "x64-win64" }
func (d *description) FirstVirtualRegister() target.RegID  { return FirstVirtualRegister }
func (d *description) RegisterInfo() target.RegisterInfo   { return d.regInfo }
func (d *description) InstructionInfo() target.InstructionInfo { return d.instInfo }
func (d *description) FrameInfo() target.FrameInfoProvider { return d.frame }
func (d *description) CallingConvention() target.CallingConvention { return d.cc }
func (d *description) ABIVersion() *semver.Version          { return d.abi }

func (d *description) ClassForOpcode(op target.Opcode) (target.RegClassID, bool) {
	switch op {
	case OpMOVSS, OpMOVSD, OpADDSS, OpADDSD, OpSUBSS, OpSUBSD, OpMULSS, OpMULSD, OpDIVSS, OpDIVSD,
		OpCVTSI2SS, OpCVTSI2SD, OpCVTSS2SD, OpCVTSD2SS:
		return ClassXMM, true
	case OpPHI, OpCALLFRAMESETUP, OpCALLFRAMETEARDOWN, OpNOP, OpJMP, OpJCC, OpRET:
		return 0, false
	default:
		return ClassGPR, true
	}
}
