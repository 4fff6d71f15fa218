package backpressure

import (
	"os"
	"path/filepath"
)

// ProjectType selects default validation commands.
type ProjectType string

const (
	ProjectUnknown ProjectType = ""
	ProjectRust    ProjectType = "rust"
	ProjectNode    ProjectType = "node"
	ProjectPython  ProjectType = "python"
	ProjectGo      ProjectType = "go"
)

// markers are checked in order; the first present file decides.
var markers = []struct {
	file string
	typ  ProjectType
}{
	{"Cargo.toml", ProjectRust},
	{"package.json", ProjectNode},
	{"pyproject.toml", ProjectPython},
	{"setup.py", ProjectPython},
	{"requirements.txt", ProjectPython},
	{"go.mod", ProjectGo},
}

// DetectProjectType inspects marker files in dir.
func DetectProjectType(dir string) ProjectType {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.typ
		}
	}
	return ProjectUnknown
}

// DefaultCommands returns the built-in validation commands for t.
func DefaultCommands(t ProjectType) []Command {
	switch t {
	case ProjectRust:
		return []Command{
			{Name: "cargo-test", Run: "cargo test --quiet"},
			{Name: "cargo-clippy", Run: "cargo clippy --quiet -- -D warnings"},
		}
	case ProjectNode:
		return []Command{{Name: "npm-test", Run: "npm test"}}
	case ProjectPython:
		return []Command{{Name: "pytest", Run: "pytest"}}
	case ProjectGo:
		return []Command{{Name: "go-test", Run: "go test ./..."}}
	default:
		return nil
	}
}
