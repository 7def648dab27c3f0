package engine

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInitialization Kind = iota + 1
	KindDatabaseLoad
	KindCompile
	KindScan
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization failure"
	case KindDatabaseLoad:
		return "database load failure"
	case KindCompile:
		return "compile failure"
	case KindScan:
		return "scan failure"
	default:
		return "engine failure"
	}
}

var (
	ErrInitialization = errors.New("engine initialization failed")
	ErrDatabaseLoad   = errors.New("signature database load failed")
	ErrCompile        = errors.New("signature compile failed")
	ErrScan           = errors.New("engine scan failed")

	ErrNotReady = errors.New("engine is not scan-ready")
	ErrReleased = errors.New("engine has been released")
)

// Error carries the failing lifecycle step and the backend's diagnostic.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrInitialization:
		return e.Kind == KindInitialization
	case ErrDatabaseLoad:
		return e.Kind == KindDatabaseLoad
	case ErrCompile:
		return e.Kind == KindCompile
	case ErrScan:
		return e.Kind == KindScan
	}
	return false
}

// KindOf reports the lifecycle kind of err, or 0 when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
