// Command orizon-codegen drives the code generation core end to end: it
// reads a textual IR module, runs it through internal/pipeline, and prints
// the resulting machine code sink (or the diagnostics that kept it from
// producing one).
//
// The command tree and flag-binding style follow
// _examples/oisee-z80-optimizer/cmd/z80opt/main.go (one cobra.Command per
// subcommand, flags bound directly onto local vars via
// cmd.Flags().XxxVar, rootCmd.AddCommand, Execute()+os.Exit(1)).
package main

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orizon-lang/orizon-codegen/internal/asmsink"
	"github.com/orizon-lang/orizon-codegen/internal/errtax"
	"github.com/orizon-lang/orizon-codegen/internal/ir"
	"github.com/orizon-lang/orizon-codegen/internal/pipeline"
	"github.com/orizon-lang/orizon-codegen/internal/target"
	"github.com/orizon-lang/orizon-codegen/internal/target/x64"
)

// exitSuccess and exitParseFailure are the only two exit codes §6 "Exit
// codes" names explicitly; exitFatal is the single code this driver uses
// for every other failure, which it does not otherwise distinguish.
const (
	exitSuccess      = 0
	exitParseFailure = 1
	exitFatal        = 2
)

func resolveTarget(name string) (target.Description, error) {
	switch name {
	case "", "x64", "x64-win64":
		return x64.New(), nil
	default:
		return nil, fmt.Errorf("unknown arch %q (known: x64)", name)
	}
}

func main() {
	var (
		arch               string
		printMachineInstrs bool
		disableFPElim      bool
		disableSpillFusing bool
		spiller            string
		noLocalRA          bool
		noPreselect        bool
		noSched            bool
		noPeephole         bool
		verbose            bool
	)

	cfgFromFlags := func() pipeline.Config {
		return pipeline.Config{
			Arch:               arch,
			PrintMachineInstrs: printMachineInstrs,
			DisableFPElim:      disableFPElim,
			DisableSpillFusing: disableSpillFusing,
			Spiller:            spiller,
			NoLocalRA:          noLocalRA,
			NoPreselect:        noPreselect,
			NoSched:            noSched,
			NoPeephole:         noPeephole,
		}
	}

	logger := logrus.New()

	bindPassFlags := func(fs *cobra.Command) {
		fs.Flags().StringVar(&arch, "arch", "x64", "target backend name")
		fs.Flags().BoolVar(&printMachineInstrs, "print-machineinstrs", false, "log the machine function after selection and after allocation")
		fs.Flags().BoolVar(&disableFPElim, "disable-fp-elim", false, "force a frame pointer in every compiled function")
		fs.Flags().BoolVar(&disableSpillFusing, "disable-spill-fusing", false, "never fold a reload into an instruction's memory operand")
		fs.Flags().StringVar(&spiller, "spiller", "local", "rewriter variant: simple or local")
		fs.Flags().BoolVar(&noLocalRA, "no-local-ra", false, "force the simple per-instruction rewriter regardless of --spiller")
		fs.Flags().BoolVar(&noPreselect, "nopreselect", false, "disable the pre-selection combiner pass (no-op: not implemented by this core)")
		fs.Flags().BoolVar(&noSched, "nosched", false, "disable the post-selection scheduler pass (no-op: not implemented by this core)")
		fs.Flags().BoolVar(&noPeephole, "nopeephole", false, "disable the post-rewrite dead-nop peephole pass")
	}

	runCompile := func(path string) int {
		src, err := os.ReadFile(path)
		if err != nil {
			logger.WithError(err).Error("failed to read input file")
			return exitParseFailure
		}

		mod, err := ir.Parse(string(src))
		if err != nil {
			logger.WithError(err).Error("failed to parse IR module")
			return exitParseFailure
		}

		td, err := resolveTarget(arch)
		if err != nil {
			logger.WithError(err).Error("failed to resolve target")
			return exitFatal
		}

		p, err := pipeline.New(td, cfgFromFlags(), logger.WithField("module", mod.Name))
		if err != nil {
			logger.WithError(err).Error("failed to construct pipeline")
			return exitFatal
		}

		compiled, diags := p.CompileModule(mod)

		for _, d := range diags {
			var taxErr *errtax.Error
			if e, ok := d.Err.(*errtax.Error); ok {
				taxErr = e
			}

			if taxErr != nil {
				logger.WithFields(logrus.Fields{"function": d.Function, "category": taxErr.Category, "code": taxErr.Code}).Error(taxErr.Message)
			} else {
				logger.WithField("function", d.Function).WithError(d.Err).Error("compilation failed")
			}
		}

		for _, mfn := range compiled {
			sink, err := asmsink.FromFunction(mfn, td)
			if err != nil {
				logger.WithField("function", mfn.Name).WithError(err).Error("machine code sink rejected finalized function")
				return exitFatal
			}

			fmt.Print(sink.Render(td.RegisterInfo()))
		}

		if len(diags) > 0 && len(compiled) == 0 {
			return exitFatal
		}

		return exitSuccess
	}

	compileCmd := &cobra.Command{
		Use:   "compile <file.ir>",
		Short: "compile a textual IR module to assembly text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := runCompile(args[0])
			if code != exitSuccess {
				os.Exit(code)
			}

			return nil
		},
	}
	bindPassFlags(compileCmd)

	var watchPath string

	watchCmd := &cobra.Command{
		Use:   "watch <file.ir>",
		Short: "recompile the given IR module whenever it changes on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watchPath = args[0]

			w, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to start watcher: %w", err)
			}
			defer w.Close()

			if err := w.Add(watchPath); err != nil {
				return fmt.Errorf("failed to watch %s: %w", watchPath, err)
			}

			logger.WithField("path", watchPath).Info("watching for changes")
			runCompile(watchPath)

			for {
				select {
				case ev, ok := <-w.Events:
					if !ok {
						return nil
					}

					if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						logger.WithField("path", ev.Name).Info("recompiling")
						runCompile(watchPath)
					}
				case err, ok := <-w.Errors:
					if !ok {
						return nil
					}

					logger.WithError(err).Warn("watcher error")
				}
			}
		},
	}
	bindPassFlags(watchCmd)

	rootCmd := &cobra.Command{
		Use:   "orizon-codegen",
		Short: "machine code generation core driver: instruction selection, register allocation, spill rewriting, frame finalization",
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")
	cobra.OnInitialize(func() {
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		}
	})

	rootCmd.AddCommand(compileCmd, watchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
