package pipeline_test

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/orizon-codegen/internal/ir"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/pipeline"
	"github.com/orizon-lang/orizon-codegen/internal/target"
	"github.com/orizon-lang/orizon-codegen/internal/target/x64"
)

func compileOne(t *testing.T, src string, cfg pipeline.Config) *machine.Function {
	t.Helper()

	mod, err := ir.Parse(src)
	require.NoError(t, err)
	require.Len(t, mod.Functions, 1)

	p, err := pipeline.New(x64.New(), cfg, nil)
	require.NoError(t, err)

	mfn, err := p.CompileFunction(mod.Functions[0])
	require.NoError(t, err)

	return mfn
}

func noVRegOperandsRemain(t *testing.T, fn *machine.Function) {
	t.Helper()

	for _, in := range fn.Instrs() {
		for _, o := range in.Operands {
			require.NotEqualf(t, machine.OperandVReg, o.Kind, "found a surviving virtual-register operand in %v", in)
			require.NotEqualf(t, machine.OperandFrameIndex, o.Kind, "found a surviving frame-index operand in %v", in)
		}
	}
}

// Scenario 1 (spec.md §8): straight-line add, no spills, no frame.
func TestPipelineStraightLineAdd(t *testing.T) {
	mfn := compileOne(t, `module arith
func add(i32 %a, i32 %b) -> i32 {
entry:
  %t1 = add i32 i32 %a, i32 %b
  ret i32 %t1
}
`, pipeline.Config{})

	noVRegOperandsRemain(t, mfn)
	require.False(t, mfn.Frame.UsesFramePointer, "a two-register add shouldn't need a frame")
}

// Scenario 2 (spec.md §8): a loop whose induction variable and accumulator
// both live across the back-edge, with enough registers that neither spills.
func TestPipelineLoopInductionVariable(t *testing.T) {
	mfn := compileOne(t, `module loopy
func sumto(i64 %n) -> i64 {
entry:
  br loop
loop:
  %i = phi i64 [i64 0, entry], [i64 %inext, loop]
  %acc = phi i64 [i64 0, entry], [i64 %accnext, loop]
  %accnext = add i64 i64 %acc, i64 %i
  %inext = add i64 i64 %i, i64 1
  %cond = cmp.slt i64 %inext, i64 %n
  brcond i1 %cond, loop, done
done:
  ret i64 %accnext
}
`, pipeline.Config{})

	noVRegOperandsRemain(t, mfn)
}

// Scenario 3 (spec.md §8): more distinct values than the class has
// registers forces at least one spill; spill rewriting must still leave no
// virtual-register or frame-index operands behind.
func TestPipelineHighRegisterPressureSpills(t *testing.T) {
	src := "module pressure\nfunc many() -> i64 {\nentry:\n"
	for i := 0; i < 40; i++ {
		src += "  %v" + itoa(i) + " = add i64 i64 0, i64 " + itoa(i) + "\n"
	}
	src += "  %sum0 = add i64 i64 %v0, i64 %v1\n"
	for i := 1; i < 39; i++ {
		src += "  %sum" + itoa(i) + " = add i64 i64 %sum" + itoa(i-1) + ", i64 %v" + itoa(i+1) + "\n"
	}
	src += "  ret i64 %sum38\n}\n"

	mfn := compileOne(t, src, pipeline.Config{})

	noVRegOperandsRemain(t, mfn)

	ld, st := 0, 0

	for _, in := range mfn.Instrs() {
		switch in.Opcode {
		case x64.OpLOAD:
			ld++
		case x64.OpSTORE:
			st++
		}
	}

	require.Greater(t, ld+st, 0, "expected register pressure this high to force at least one spill load or store")
}

// Scenario 6 (spec.md §8): a dynamic alloca must force a frame pointer and
// record the variable-sized-object flag.
func TestPipelineDynamicAlloca(t *testing.T) {
	mfn := compileOne(t, `module dyn
func makebuf(i32 %n) -> ptr {
entry:
  %p = alloca i32, i32 %n, align 4
  ret ptr %p
}
`, pipeline.Config{})

	noVRegOperandsRemain(t, mfn)
	require.True(t, mfn.Frame.HasVarSizedObjects)
	require.True(t, mfn.Frame.UsesFramePointer)
}

func TestPipelineRejectsUnsupportedABI(t *testing.T) {
	_, err := pipeline.New(stubTarget{}, pipeline.Config{}, nil)
	require.Error(t, err)
}

func TestPipelineDisableFPElimForcesFramePointer(t *testing.T) {
	mfn := compileOne(t, `module arith
func add(i32 %a, i32 %b) -> i32 {
entry:
  %t1 = add i32 i32 %a, i32 %b
  ret i32 %t1
}
`, pipeline.Config{DisableFPElim: true})

	require.True(t, mfn.Frame.UsesFramePointer)
}

func TestPipelineCompileModuleCollectsPerFunctionDiagnostics(t *testing.T) {
	mod, err := ir.Parse(`module mixed
func good() -> i64 {
entry:
  ret i64 0
}
func bad() -> i64 {
entry:
  %x = add i64 i64 0, i64 0
}
`)
	require.NoError(t, err)

	p, err := pipeline.New(x64.New(), pipeline.Config{}, nil)
	require.NoError(t, err)

	compiled, diags := p.CompileModule(mod)

	require.Len(t, compiled, 1, "the malformed function (no terminator) shouldn't block the well-formed one")
	require.Len(t, diags, 1)
	require.Equal(t, "bad", diags[0].Function)
}

// stubTarget embeds target.Description to satisfy the interface while
// overriding only ABIVersion, so New's guard is exercised without a second
// hand-written full target description.
type stubTarget struct {
	target.Description
}

func (stubTarget) ABIVersion() *semver.Version { return semver.MustParse("9.0.0") }
func (stubTarget) Name() string                { return "stub" }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	neg := n < 0
	if neg {
		n = -n
	}

	var buf [20]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	if neg {
		i--
		buf[i] = '-'
	}

	return string(buf[i:])
}
