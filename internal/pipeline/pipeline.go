// Package pipeline orchestrates the code generation core end to end:
// instruction selection, live-interval analysis, linear-scan register
// allocation with iterative spilling, spill rewriting, and frame
// finalization, in the strict order §5 requires.
//
// It replaces the teacher's internal/codegen.Pipeline (HIR -> MIR -> LIR
// lowering orchestration, internal/codegen/pipeline.go), generalized from a
// fixed three-stage frontend lowering chain into a configurable backend
// pass sequence driven by a target.Description, with the same "one driver
// owns the pass order, each pass is a pure function over the previous
// stage's output" shape.
package pipeline

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/orizon-codegen/internal/errtax"
	"github.com/orizon-lang/orizon-codegen/internal/frame"
	"github.com/orizon-lang/orizon-codegen/internal/ir"
	"github.com/orizon-lang/orizon-codegen/internal/machine"
	"github.com/orizon-lang/orizon-codegen/internal/regalloc"
	"github.com/orizon-lang/orizon-codegen/internal/selector"
	"github.com/orizon-lang/orizon-codegen/internal/spill"
	"github.com/orizon-lang/orizon-codegen/internal/target"
)

// Config surfaces every driver-level knob §6 "Configuration" lists.
type Config struct {
	// Arch selects a target backend by name (§6 "arch"); the driver
	// resolves it to a target.Description before constructing a Pipeline,
	// so Arch is carried here only for logging and diagnostics.
	Arch string
	// PrintMachineInstrs dumps the machine function after selection and
	// again after allocation (§6, §10.2: via logrus rather than bare
	// stdout).
	PrintMachineInstrs bool
	// DisableFPElim forces a frame pointer (§6, forwarded to frame.Config).
	DisableFPElim bool
	// DisableSpillFusing disables folding spill slots into instructions
	// (§6, forwarded to spill.Config).
	DisableSpillFusing bool
	// Spiller selects the rewriter variant: "simple" or "local" (§6
	// "spiller = {simple, local}").
	Spiller string
	// NoLocalRA selects the simple (non-scan) rewriter path regardless of
	// Spiller (§6 "no-local-ra").
	NoLocalRA bool
	// NoPreselect and NoSched disable optional pre/post selection passes
	// (§6); this core's selector does not currently implement a separate
	// instruction-combining pre-pass or post-selection scheduler (see
	// DESIGN.md), so these are accepted but do not gate any behavior.
	NoPreselect bool
	NoSched     bool
	// NoPeephole disables the post-rewrite peephole pass that strips the
	// no-op instructions the spill rewriter leaves behind after dead-store
	// elision (§4.4 step 3, §6 "nopeephole").
	NoPeephole bool
}

func (c Config) spillConfig() spill.Config {
	return spill.Config{
		Simple:        c.NoLocalRA || c.Spiller == "simple",
		DisableFusing: c.DisableSpillFusing,
	}
}

func (c Config) frameConfig() frame.Config {
	return frame.Config{DisableFPElim: c.DisableFPElim}
}

// Pipeline drives one target description through the full pass sequence.
// It holds no per-function mutable state of its own -- each CompileFunction
// call owns its machine.Function independently (§5 "Shared resources").
type Pipeline struct {
	td  target.Description
	cfg Config
	log *logrus.Entry
}

// New constructs a Pipeline against td, refusing to proceed if td's ABI
// version falls outside this core's supported range (§10.4) rather than
// silently miscompiling against an incompatible calling convention. log may
// be nil, in which case a standalone logrus.Entry is created.
func New(td target.Description, cfg Config, log *logrus.Entry) (*Pipeline, error) {
	if ok, errs := target.SupportedABIRange.Validate(td.ABIVersion()); !ok {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}

		return nil, errtax.TargetDefect("UNSUPPORTED_ABI_VERSION", "target ABI version is outside this core's supported range", map[string]interface{}{
			"target":  td.Name(),
			"version": td.ABIVersion().String(),
			"errors":  msgs,
		})
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Pipeline{td: td, cfg: cfg, log: log.WithField("arch", td.Name())}, nil
}

// CompileFunction runs fn through selection, allocation, spill rewriting,
// and frame finalization, returning the finished machine.Function.
func (p *Pipeline) CompileFunction(fn *ir.Function) (*machine.Function, error) {
	log := p.log.WithField("function", fn.Name)

	if err := fn.Validate(); err != nil {
		log.WithField("pass", "validate").WithError(err).Error("malformed input function")
		return nil, err
	}

	log.WithField("pass", "select").Info("selecting instructions")

	mfn, err := selector.SelectFunction(fn, p.td)
	if err != nil {
		log.WithField("pass", "select").WithError(err).Error("instruction selection failed")
		return nil, err
	}

	if p.cfg.PrintMachineInstrs {
		log.WithField("pass", "select").Info("machine function after selection:\n" + mfn.String())
	}

	log.WithField("pass", "regalloc").Info("running live-interval analysis and linear-scan allocation")

	ra, err := regalloc.Allocate(mfn, p.td)
	if err != nil {
		log.WithField("pass", "regalloc").WithError(err).Error("register allocation failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{"pass": "regalloc", "spilled": len(ra.Spilled), "slots": ra.NumSlots}).Debug("allocation complete")

	if p.cfg.PrintMachineInstrs {
		log.WithField("pass", "regalloc").Info("machine function after allocation:\n" + mfn.String())
	}

	log.WithField("pass", "spill").Info("rewriting spilled operands")

	if err := spill.Rewrite(mfn, p.td, ra, p.cfg.spillConfig(), nil); err != nil {
		log.WithField("pass", "spill").WithError(err).Error("spill rewriting failed")
		return nil, err
	}

	if !p.cfg.NoPeephole {
		removed := stripDeadNops(mfn, p.td)
		log.WithFields(logrus.Fields{"pass": "peephole", "removed": removed}).Debug("stripped dead nops")
	}

	log.WithField("pass", "frame").Info("finalizing frame and inserting prolog/epilog")

	if err := frame.Finalize(mfn, p.td, ra, p.cfg.frameConfig()); err != nil {
		log.WithField("pass", "frame").WithError(err).Error("frame finalization failed")
		return nil, err
	}

	return mfn, nil
}

// stripDeadNops removes the opcode the spill rewriter substitutes for a
// store it elided as dead (§4.4 step 3), now that no later pass needs the
// instruction slots held stable. This is the "later peephole pass" the
// spill rewriter's own comment defers to.
func stripDeadNops(fn *machine.Function, td target.Description) int {
	nop := td.InstructionInfo().NopOpcode()
	removed := 0

	for _, bb := range fn.Blocks {
		if bb == nil {
			continue
		}

		out := make([]*machine.Instr, 0, len(bb.Insns))

		for _, in := range bb.Insns {
			if in.Opcode == nop {
				removed++
				continue
			}

			out = append(out, in)
		}

		bb.Insns = out
	}

	return removed
}

// Diagnostic pairs one function's compilation failure with its name, for a
// driver compiling a whole module and continuing past a single function's
// failure (§5 "other functions may continue at the driver's discretion").
type Diagnostic struct {
	Function string
	Err      error
}

func (d Diagnostic) String() string { return fmt.Sprintf("%s: %v", d.Function, d.Err) }

// CompileModule compiles every function in mod independently, collecting a
// Diagnostic for each one that fails rather than aborting the whole module
// on the first error (§7 "Propagation policy... the driver decides whether
// to continue with other functions").
func (p *Pipeline) CompileModule(mod *ir.Module) ([]*machine.Function, []Diagnostic) {
	var (
		out   []*machine.Function
		diags []Diagnostic
	)

	for _, fn := range mod.Functions {
		mfn, err := p.CompileFunction(fn)
		if err != nil {
			diags = append(diags, Diagnostic{Function: fn.Name, Err: err})
			continue
		}

		out = append(out, mfn)
	}

	return out, diags
}
