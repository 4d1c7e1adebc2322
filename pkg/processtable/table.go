package processtable

import (
	"context"
	"path/filepath"
	"time"
)

// Entry is one process of the OS process table
type Entry struct {
	PID         int
	CommandLine []string
}

// TerminationResult tells how a process went away
type TerminationResult string

const (
	// AlreadyExited means the process was gone before any signal was delivered
	AlreadyExited TerminationResult = "already_exited"

	// TerminatedGracefully means the process exited within the grace period
	TerminatedGracefully TerminationResult = "graceful"

	// TerminatedForcibly means the grace period elapsed and the process was killed
	TerminatedForcibly TerminationResult = "forced"
)

// Table enumerates and terminates OS processes
type Table interface {
	// List returns every visible process except the calling one
	List(ctx context.Context) ([]Entry, error)

	// Terminate asks pid to exit, waits up to grace, then kills it
	Terminate(ctx context.Context, pid int, grace time.Duration) (TerminationResult, error)
}

// MatchTarget reports whether a command line references target.
// An absolute argument must equal target; a relative one matches on base name.
func MatchTarget(commandLine []string, target string) bool {
	if target == "" {
		return false
	}
	target = filepath.Clean(target)
	base := filepath.Base(target)

	for _, arg := range commandLine {
		if arg == "" {
			continue
		}
		if filepath.IsAbs(arg) {
			if filepath.Clean(arg) == target {
				return true
			}
			continue
		}
		if filepath.Base(arg) == base {
			return true
		}
	}
	return false
}

// MatchProgram reports whether a command line runs program, compared by base name
func MatchProgram(commandLine []string, program string) bool {
	if len(commandLine) == 0 || program == "" {
		return false
	}
	return filepath.Base(commandLine[0]) == filepath.Base(program)
}

// Matcher selects process table entries
type Matcher func(entry Entry) bool

// MatchingTarget selects entries whose command line references target
func MatchingTarget(target string) Matcher {
	return func(entry Entry) bool {
		return MatchTarget(entry.CommandLine, target)
	}
}

// FindMatches lists the processes selected by match
func FindMatches(ctx context.Context, table Table, match Matcher) ([]Entry, error) {
	entries, err := table.List(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Entry
	for _, entry := range entries {
		if match(entry) {
			matches = append(matches, entry)
		}
	}
	return matches, nil
}
