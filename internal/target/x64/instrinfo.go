package x64

import "github.com/orizon-lang/orizon-codegen/internal/target"

type instructionInfo struct {
	desc map[target.Opcode]target.InstrDescriptor
}

func descr(op target.Opcode, name string, numOperands, result int, flags target.InstrFlags, implicitUses, implicitDefs []target.RegID) target.InstrDescriptor {
	return target.InstrDescriptor{
		Opcode:        op,
		Name:          name,
		NumOperands:   numOperands,
		ResultOperand: result,
		ImplicitUses:  implicitUses,
		ImplicitDefs:  implicitDefs,
		Flags:         flags,
	}
}

func buildInstructionInfo() instructionInfo {
	d := map[target.Opcode]target.InstrDescriptor{
		OpMOV:    withMove(descr(OpMOV, "mov", 2, 0, target.FlagIsMove|target.FlagFoldableLoad, nil, nil)),
		OpMOVImm: descr(OpMOVImm, "mov", 2, 0, target.FlagIsMove, nil, nil),
		OpLEA:    descr(OpLEA, "lea", 2, 0, 0, nil, nil),
		OpADD:    tied(descr(OpADD, "add", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpSUB:    tied(descr(OpSUB, "sub", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpIMUL:   tied(descr(OpIMUL, "imul", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpIDIV:   descr(OpIDIV, "idiv", 1, -1, 0, []target.RegID{RAX, RDX}, []target.RegID{RAX, RDX}),
		OpDIV:    descr(OpDIV, "div", 1, -1, 0, []target.RegID{RAX, RDX}, []target.RegID{RAX, RDX}),
		OpCQO:    descr(OpCQO, "cqo", 0, -1, 0, []target.RegID{RAX}, []target.RegID{RDX}),
		OpAND:    tied(descr(OpAND, "and", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpOR:     tied(descr(OpOR, "or", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpXOR:    tied(descr(OpXOR, "xor", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpSHL:    tied(descr(OpSHL, "shl", 3, 0, 0, nil, nil), 0, 1),
		OpSHR:    tied(descr(OpSHR, "shr", 3, 0, 0, nil, nil), 0, 1),
		OpSAR:    tied(descr(OpSAR, "sar", 3, 0, 0, nil, nil), 0, 1),
		OpCMP:    descr(OpCMP, "cmp", 2, -1, 0, nil, nil),
		OpSETCC:  descr(OpSETCC, "setcc", 2, 0, 0, nil, nil),
		OpMOVZX:  descr(OpMOVZX, "movzx", 2, 0, target.FlagIsMove, nil, nil),
		OpJMP:    descr(OpJMP, "jmp", 1, -1, target.FlagIsBranch, nil, nil),
		OpJCC:    descr(OpJCC, "jcc", 3, -1, target.FlagIsBranch, nil, nil),
		OpCALL:   descr(OpCALL, "call", -1, -1, target.FlagIsCall, nil, []target.RegID{RAX, RCX, RDX, R8, R9, R10, R11}),
		OpRET:    descr(OpRET, "ret", -1, -1, target.FlagIsReturn, nil, nil),
		OpLOAD:   descr(OpLOAD, "load", 2, 0, target.FlagFoldableLoad, nil, nil),
		OpSTORE:  descr(OpSTORE, "store", 2, -1, 0, nil, nil),
		OpPUSH:   descr(OpPUSH, "push", 1, -1, 0, nil, nil),
		OpPOP:    descr(OpPOP, "pop", 1, 0, 0, nil, nil),
		OpNOP:    descr(OpNOP, "nop", 0, -1, target.FlagIsNop, nil, nil),
		OpADJSTACK:           descr(OpADJSTACK, "adjstack", 1, -1, 0, nil, nil),
		OpCALLFRAMESETUP:     descr(OpCALLFRAMESETUP, "callframe.setup", 1, -1, 0, nil, nil),
		OpCALLFRAMETEARDOWN:  descr(OpCALLFRAMETEARDOWN, "callframe.teardown", 1, -1, 0, nil, nil),
		OpPHI:                descr(OpPHI, "phi", -1, 0, 0, nil, nil),
		OpMOVSS:              withMove(descr(OpMOVSS, "movss", 2, 0, target.FlagIsMove|target.FlagFoldableLoad, nil, nil)),
		OpMOVSD:              withMove(descr(OpMOVSD, "movsd", 2, 0, target.FlagIsMove|target.FlagFoldableLoad, nil, nil)),
		OpADDSS:              tied(descr(OpADDSS, "addss", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpADDSD:              tied(descr(OpADDSD, "addsd", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpSUBSS:              tied(descr(OpSUBSS, "subss", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpSUBSD:              tied(descr(OpSUBSD, "subsd", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpMULSS:              tied(descr(OpMULSS, "mulss", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpMULSD:              tied(descr(OpMULSD, "mulsd", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpDIVSS:              tied(descr(OpDIVSS, "divss", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpDIVSD:              tied(descr(OpDIVSD, "divsd", 3, 0, target.FlagFoldableLoad, nil, nil), 0, 1),
		OpCVTSI2SS:           descr(OpCVTSI2SS, "cvtsi2ss", 2, 0, 0, nil, nil),
		OpCVTSI2SD:           descr(OpCVTSI2SD, "cvtsi2sd", 2, 0, 0, nil, nil),
		OpCVTTSS2SI:          descr(OpCVTTSS2SI, "cvttss2si", 2, 0, 0, nil, nil),
		OpCVTTSD2SI:          descr(OpCVTTSD2SI, "cvttsd2si", 2, 0, 0, nil, nil),
		OpCVTSS2SD:           descr(OpCVTSS2SD, "cvtss2sd", 2, 0, 0, nil, nil),
		OpCVTSD2SS:           descr(OpCVTSD2SS, "cvtsd2ss", 2, 0, 0, nil, nil),
	}

	return instructionInfo{desc: d}
}

func withMove(d target.InstrDescriptor) target.InstrDescriptor { return d }

func tied(d target.InstrDescriptor, defIdx, useIdx int) target.InstrDescriptor {
	d.TiedTo = map[int]int{defIdx: useIdx}
	return d
}

func (i instructionInfo) Descriptor(op target.Opcode) (target.InstrDescriptor, bool) {
	d, ok := i.desc[op]
	return d, ok
}

func (i instructionInfo) IsBranch(op target.Opcode) bool { return i.flag(op, target.FlagIsBranch) }
func (i instructionInfo) IsCall(op target.Opcode) bool   { return i.flag(op, target.FlagIsCall) }
func (i instructionInfo) IsReturn(op target.Opcode) bool { return i.flag(op, target.FlagIsReturn) }
func (i instructionInfo) IsNop(op target.Opcode) bool    { return i.flag(op, target.FlagIsNop) }
func (i instructionInfo) IsMove(op target.Opcode) bool   { return i.flag(op, target.FlagIsMove) }

func (i instructionInfo) flag(op target.Opcode, bit target.InstrFlags) bool {
	d, ok := i.desc[op]
	return ok && d.Flags.Has(bit)
}

func (i instructionInfo) CallFrameSetupOpcode() target.Opcode    { return OpCALLFRAMESETUP }
func (i instructionInfo) CallFrameTeardownOpcode() target.Opcode { return OpCALLFRAMETEARDOWN }
func (i instructionInfo) PhiOpcode() target.Opcode               { return OpPHI }
func (i instructionInfo) LoadOpcode() target.Opcode              { return OpLOAD }
func (i instructionInfo) StoreOpcode() target.Opcode             { return OpSTORE }
func (i instructionInfo) NopOpcode() target.Opcode               { return OpNOP }
func (i instructionInfo) PushOpcode() target.Opcode              { return OpPUSH }
func (i instructionInfo) PopOpcode() target.Opcode               { return OpPOP }
func (i instructionInfo) AdjustStackOpcode() target.Opcode       { return OpADJSTACK }
func (i instructionInfo) MoveOpcode() target.Opcode              { return OpMOV }
func (i instructionInfo) AddOpcode() target.Opcode               { return OpADD }
