package launch

import (
	"fmt"
	"path/filepath"
	"strings"
)

// LaunchSpec is a resolved, ready-to-spawn worker command
type LaunchSpec struct {
	// Name is the file stem of Target and keys the supervisor slot
	Name string

	// Target is the absolute path of the worker's entry artifact
	Target string

	// Interpreter runs Target when set (e.g. "python" for .py files); empty means Target is executed directly
	Interpreter string

	// Args are the resolved literal arguments appended after Target
	Args []string

	// WorkingDirectory defaults to the directory of Target
	WorkingDirectory string
}

// Command returns the full argv: interpreter (if any), target, then arguments
func (s LaunchSpec) Command() []string {
	argv := make([]string, 0, len(s.Args)+2)
	if s.Interpreter != "" {
		argv = append(argv, s.Interpreter)
	}
	argv = append(argv, s.Target)
	return append(argv, s.Args...)
}

// Equal reports whether two specs would spawn the same command
func (s LaunchSpec) Equal(other LaunchSpec) bool {
	if s.Name != other.Name || s.Target != other.Target ||
		s.Interpreter != other.Interpreter || s.WorkingDirectory != other.WorkingDirectory {
		return false
	}
	if len(s.Args) != len(other.Args) {
		return false
	}
	for i := range s.Args {
		if s.Args[i] != other.Args[i] {
			return false
		}
	}
	return true
}

func (s LaunchSpec) String() string {
	return fmt.Sprintf("%s: %s", s.Name, strings.Join(s.Command(), " "))
}

// NameOf derives the slot name of a target: its base name without extension
func NameOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
