// Command windlass compiles textual stack-machine IR to native code in a
// single pass and dumps the listing, trap table, relocation table or entry
// offsets for inspection.
package main

import (
	goflag "flag"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/wasmkit/windlass/pkg/irparse"
	"github.com/wasmkit/windlass/pkg/meta"
	"github.com/wasmkit/windlass/pkg/session"
)

var version = "0.1.0"

// Debug flags for dumping compilation artifacts. Each can also be switched
// on through the matching WINDLASS_* environment variable.
var (
	dAsm     bool
	dTraps   bool
	dRelocs  bool
	dOffsets bool
	noBounds bool
	outPath  string
)

func main() {
	defer glog.Flush()
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "windlass: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "windlass [file]",
		Short: "windlass is a single-pass baseline compiler for stack-machine IR",
		Long: `windlass translates textual stack-machine IR to native code in one
forward pass per function, with no separate register allocation or
optimization stages. Values live in registers until pressure or a call
forces them to frame slots.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cmd.Help()
				return nil
			}
			return compile(args[0], out, errOut)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.Flags().BoolVar(&dAsm, "dasm", env.Bool("WINDLASS_DASM"), "Dump the instruction listing")
	rootCmd.Flags().BoolVar(&dTraps, "dtraps", env.Bool("WINDLASS_DTRAPS"), "Dump the trap table")
	rootCmd.Flags().BoolVar(&dRelocs, "drelocs", env.Bool("WINDLASS_DRELOCS"), "Dump the relocation table")
	rootCmd.Flags().BoolVar(&dOffsets, "doffsets", env.Bool("WINDLASS_DOFFSETS"), "Dump function entry offsets")
	rootCmd.Flags().BoolVar(&noBounds, "no-bounds-checks", env.Bool("WINDLASS_NO_BOUNDS_CHECKS"), "Skip memory bounds checks (trusted inputs only)")
	rootCmd.Flags().StringVarP(&outPath, "output", "o", env.Str("WINDLASS_OUT"), "Write the raw code buffer to a file")

	rootCmd.Flags().AddGoFlagSet(goflag.CommandLine)

	return rootCmd
}

func compile(filename string, out, errOut io.Writer) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := irparse.Parse(f)
	if err != nil {
		return err
	}
	glog.V(1).Infof("parsed %q: %d functions, %d imports", filename, len(m.Functions), len(m.Imports))

	var opts session.Options
	if noBounds {
		e := meta.NewStatic(1, 1, 8)
		e.CheckBounds = false
		opts.Env = e
	}
	art, err := session.Compile(m, opts)
	if err != nil {
		return err
	}

	if dAsm {
		fmt.Fprint(out, art.Listing)
	}
	if dOffsets {
		for _, fn := range m.Functions {
			fmt.Fprintf(out, "%-24s 0x%x\n", fn.Name, art.FuncOffsets[fn.Name])
		}
	}
	if dTraps {
		for _, tr := range art.Traps {
			fmt.Fprintf(out, "trap  0x%-8x %-28s %s\n", tr.Offset, tr.Kind, tr.Pos)
		}
	}
	if dRelocs {
		for _, rl := range art.Relocs {
			fmt.Fprintf(out, "reloc 0x%-8x %-8s %s\n", rl.Offset, rl.Kind, rl.Target)
		}
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, art.Code, 0o644); err != nil {
			return err
		}
	}
	if !dAsm && !dTraps && !dRelocs && !dOffsets {
		fmt.Fprintf(errOut, "windlass: compiled %s: %d functions, %d bytes\n",
			filename, len(m.Functions), len(art.Code))
	}
	return nil
}
