package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/ipsix/avsweep/internal/engine"
)

// Scanner runs the per-file scan against a compiled handle.
type Scanner struct {
	handle  *engine.Handle
	metrics *Metrics
	timeout time.Duration
}

func NewScanner(h *engine.Handle, m *Metrics) *Scanner {
	return &Scanner{handle: h, metrics: m}
}

// WithTimeout bounds every engine call; zero disables the bound.
func (s *Scanner) WithTimeout(d time.Duration) *Scanner {
	s.timeout = d
	return s
}

// Scan opens path, hands it to the engine and classifies the outcome. stats
// is updated exactly once per call: FilesUnreadable when the file cannot be
// opened, otherwise FilesScanned and BytesScanned right after the engine
// returns, plus FilesInfected for a detection. A handle that refuses the
// call counts only as an engine error.
func (s *Scanner) Scan(ctx context.Context, path string, stats *Stats) Result {
	f, err := openRegular(path)
	if err != nil {
		stats.FilesUnreadable++
		res := UnreadableResult(path, err.Error())
		s.metrics.record(ctx, res, 0, false)
		return res
	}
	defer f.Close()

	scanCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	verdict, err := s.handle.Scan(scanCtx, f)
	if errors.Is(err, engine.ErrNotReady) || errors.Is(err, engine.ErrReleased) {
		stats.EngineErrors++
		res := EngineErrorResult(path, err.Error())
		s.metrics.record(ctx, res, 0, false)
		return res
	}
	stats.FilesScanned++
	stats.BytesScanned += verdict.Processed

	var res Result
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		stats.EngineErrors++
		res = EngineErrorResult(path, fmt.Sprintf("scan timed out after %s", s.timeout))
	case err != nil:
		stats.EngineErrors++
		res = EngineErrorResult(path, err.Error())
	case verdict.Kind == engine.VerdictInfected && verdict.Signature == "":
		stats.EngineErrors++
		res = EngineErrorResult(path, "engine reported an infection without a signature name")
	case verdict.Kind == engine.VerdictInfected:
		stats.FilesInfected++
		res = InfectedResult(path, verdict.Signature)
	default:
		res = CleanResult(path)
	}
	s.metrics.record(ctx, res, verdict.Processed, true)
	return res
}

// openRegular opens path read-only without following a final symlink and
// without blocking on a FIFO or device, then refuses anything that is not a
// regular file.
func openRegular(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, syscall.ELOOP) {
			return nil, fmt.Errorf("%s: not a regular file", path)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	return f, nil
}
