// Package session drives whole-module compilation: it pre-allocates an
// entry label per function so call sites resolve regardless of definition
// order, runs the code generator over every body in sequence into one code
// buffer, and aggregates the trap and relocation tables.
package session

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/wasmkit/windlass/pkg/codegen"
	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/label"
	"github.com/wasmkit/windlass/pkg/masm"
	"github.com/wasmkit/windlass/pkg/meta"
)

// Options configures one compilation.
type Options struct {
	// Env supplies the context layout. Nil selects a Static layout with one
	// defined memory, one table and eight globals, which suits tests and the
	// CLI.
	Env meta.Env
}

// Artifact is the output of compiling one module.
type Artifact struct {
	// Code is the emitted buffer. With the recording assembler the bytes are
	// placeholders except for constant-pool payloads; Listing carries the
	// readable stream.
	Code    []byte
	Listing string

	// FuncOffsets maps each defined function to its entry offset.
	FuncOffsets map[string]uint32

	// Traps maps code offsets back to source positions and causes.
	Traps []masm.Trap
	// Relocs holds the external patch sites (imports and builtins) the
	// embedder must fix up before execution.
	Relocs []masm.Reloc
}

// Compile translates every function of the module, in order, into a single
// artifact.
func Compile(m *ir.Module, opts Options) (*Artifact, error) {
	env := opts.Env
	if env == nil {
		env = meta.NewStatic(1, 1, 8)
	}

	labels := label.NewManager()
	rec := masm.NewRecorder(labels)

	funcLabels := make([]label.Label, len(m.Functions))
	for i := range funcLabels {
		funcLabels[i] = labels.NewLabel()
	}

	gen := codegen.New(rec, labels, env, m, funcLabels)
	for i, fn := range m.Functions {
		if err := gen.Compile(fn, i); err != nil {
			return nil, errors.Wrapf(err, "function %q", fn.Name)
		}
		glog.V(1).Infof("session: compiled %q, buffer now %d bytes", fn.Name, rec.Offset())
	}

	offsets := make(map[string]uint32, len(m.Functions))
	for i, fn := range m.Functions {
		off, ok := labels.Offset(funcLabels[i])
		if !ok {
			return nil, errors.Errorf("function %q has no bound entry label", fn.Name)
		}
		offsets[fn.Name] = off
	}

	return &Artifact{
		Code:        rec.Bytes(),
		Listing:     rec.Dump(),
		FuncOffsets: offsets,
		Traps:       rec.Traps.Records(),
		Relocs:      rec.Relocs.Records(),
	}, nil
}
