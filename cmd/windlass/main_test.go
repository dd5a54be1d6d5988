package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}
}

func TestDumpFlagsExist(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)

	for _, flagName := range []string{"dasm", "dtraps", "drelocs", "doffsets", "output"} {
		if cmd.Flags().Lookup(flagName) == nil {
			t.Errorf("expected flag --%s to exist", flagName)
		}
	}
}

func resetFlags() {
	dAsm, dTraps, dRelocs, dOffsets, noBounds, outPath = false, false, false, false, false, ""
}

func writeTestModule(t *testing.T) string {
	t.Helper()
	src := `
func answer () -> (i32)
  i32.const 42
end
`
	path := filepath.Join(t.TempDir(), "answer.ir")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCompileSummaryGoesToStderr(t *testing.T) {
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{writeTestModule(t)})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected empty stdout, got %q", out.String())
	}
	if !strings.Contains(errOut.String(), "1 functions") {
		t.Errorf("expected summary on stderr, got %q", errOut.String())
	}
}

func TestDasmDumpsListing(t *testing.T) {
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"--dasm", writeTestModule(t)})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	listing := out.String()
	for _, want := range []string{"frame.setup", "i32 #0x2a", "frame.ret"} {
		if !strings.Contains(listing, want) {
			t.Errorf("listing missing %q:\n%s", want, listing)
		}
	}
}

func TestOffsetsDump(t *testing.T) {
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"--doffsets", writeTestModule(t)})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "answer") {
		t.Errorf("expected offsets table, got %q", out.String())
	}
}

func TestNoBoundsChecksDropsMemoryTraps(t *testing.T) {
	src := `
func peek (i32) -> (i32)
  local.get 0
  i32.load offset=0
end
`
	path := filepath.Join(t.TempDir(), "peek.ir")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	listing := func(args ...string) string {
		resetFlags()
		var out, errOut bytes.Buffer
		cmd := newRootCmd(&out, &errOut)
		cmd.SetArgs(append(args, "--dasm", path))
		if err := cmd.Execute(); err != nil {
			t.Fatalf("execute: %v", err)
		}
		return out.String()
	}

	if got := listing(); !strings.Contains(got, "memory out of bounds") {
		t.Errorf("expected bounds trap in default listing:\n%s", got)
	}
	if got := listing("--no-bounds-checks"); strings.Contains(got, "memory out of bounds") {
		t.Errorf("expected no bounds trap with --no-bounds-checks:\n%s", got)
	}
}

func TestMissingFileFails(t *testing.T) {
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "nope.ir")})

	if err := cmd.Execute(); err == nil {
		t.Error("expected error for missing input file")
	}
}

func TestParseErrorSurfaces(t *testing.T) {
	resetFlags()
	path := filepath.Join(t.TempDir(), "bad.ir")
	if err := os.WriteFile(path, []byte("func f () -> ()\n  i32.frob\nend"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected line number in error, got %v", err)
	}
}
