package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// ListingTestSpec is one case from testdata/integration.yaml: an input
// module plus substring expectations against the --dasm listing.
type ListingTestSpec struct {
	Name         string   `yaml:"name"`
	Input        string   `yaml:"input"`
	Expect       []string `yaml:"expect"`         // must appear at least once
	ExpectOrder  []string `yaml:"expect_order"`   // must appear in this order
	ExpectUnique []string `yaml:"expect_unique"`  // must appear exactly once
	ExpectNot    []string `yaml:"expect_not"`     // must not appear
	Skip         string   `yaml:"skip,omitempty"` // reason to skip
}

// ListingTestFile is the integration.yaml structure.
type ListingTestFile struct {
	Tests []ListingTestSpec `yaml:"tests"`
}

func loadListingTests(t *testing.T) []ListingTestSpec {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "integration.yaml"))
	if err != nil {
		t.Fatalf("reading integration.yaml: %v", err)
	}
	var file ListingTestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		t.Fatalf("parsing integration.yaml: %v", err)
	}
	return file.Tests
}

func dasmListing(t *testing.T, input string) string {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"--dasm", filepath.Join("testdata", input)})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("compiling %s: %v\nstderr: %s", input, err, errOut.String())
	}
	return out.String()
}

func TestListings(t *testing.T) {
	for _, tc := range loadListingTests(t) {
		t.Run(tc.Name, func(t *testing.T) {
			if tc.Skip != "" {
				t.Skip(tc.Skip)
			}
			listing := dasmListing(t, tc.Input)

			for _, want := range tc.Expect {
				if !strings.Contains(listing, want) {
					t.Errorf("listing missing %q:\n%s", want, listing)
				}
			}
			pos := 0
			for _, want := range tc.ExpectOrder {
				i := strings.Index(listing[pos:], want)
				if i < 0 {
					t.Errorf("listing missing %q after offset %d:\n%s", want, pos, listing)
					break
				}
				pos += i + len(want)
			}
			for _, want := range tc.ExpectUnique {
				if n := strings.Count(listing, want); n != 1 {
					t.Errorf("expected %q exactly once, found %d times:\n%s", want, n, listing)
				}
			}
			for _, bad := range tc.ExpectNot {
				if strings.Contains(listing, bad) {
					t.Errorf("listing must not contain %q:\n%s", bad, listing)
				}
			}
		})
	}
}
