package scan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipsix/avsweep/internal/walker"
)

// Outcome is the run-level classification; see Classify for precedence.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeInfected
	OutcomeEngineError
	OutcomeUnreadable
	OutcomeDirectoryInaccessible
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeInfected:
		return "infected"
	case OutcomeEngineError:
		return "engine_error"
	case OutcomeUnreadable:
		return "unreadable"
	case OutcomeDirectoryInaccessible:
		return "directory_inaccessible"
	default:
		return "unknown"
	}
}

// ExitCode is the process status for the outcome.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeInfected:
		return 1
	case OutcomeEngineError:
		return 2
	case OutcomeUnreadable:
		return 3
	case OutcomeDirectoryInaccessible:
		return 4
	default:
		return 0
	}
}

// Classify derives the outcome from the final counters and the fatal error,
// if any. Precedence: engine error, inaccessible directory, infection, every
// file unreadable, ok.
func Classify(stats Stats, fatal error) Outcome {
	if stats.EngineErrors > 0 {
		return OutcomeEngineError
	}
	if fatal != nil {
		if errors.Is(fatal, walker.ErrInaccessible) {
			return OutcomeDirectoryInaccessible
		}
		return OutcomeEngineError
	}
	if stats.FilesInfected > 0 {
		return OutcomeInfected
	}
	if n := stats.Enumerated(); n > 0 && stats.FilesUnreadable == n {
		return OutcomeUnreadable
	}
	return OutcomeOK
}

// Policy decides what happens after a per-file engine failure.
type Policy string

const (
	// PolicyAbort stops enumeration at the first engine failure.
	PolicyAbort Policy = "abort"
	// PolicyContinue records the failure and keeps scanning.
	PolicyContinue Policy = "continue"
)

func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicyContinue:
		return PolicyContinue, nil
	default:
		return "", fmt.Errorf("unknown engine error policy %q (want abort or continue)", value)
	}
}
