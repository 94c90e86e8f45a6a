// Package fixtures loads HEC event fixtures from testdata/fixtures.
package fixtures

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// LoadFixture returns a fixture's events, one per line.
func LoadFixture(t *testing.T, name string) []string {
	t.Helper()

	lines := strings.Split(string(LoadFixtureBytes(t, name)), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// LoadFixtureBytes returns a fixture's raw content, ready to post as a
// request body.
func LoadFixtureBytes(t *testing.T, name string) []byte {
	t.Helper()

	content, err := os.ReadFile(FixturePath(name))
	if err != nil {
		t.Fatalf("Failed to load fixture %s: %v", name, err)
	}
	return content
}

// FixturePath returns the absolute path of a fixture, resolved from the
// module root.
func FixturePath(name string) string {
	dir, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			panic("Could not find project root (go.mod not found)")
		}
		dir = parent
	}

	return filepath.Join(dir, "testdata", "fixtures", name)
}
