package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type state int

const (
	stateInitialized state = iota
	stateReady
	stateReleased
)

var ErrAlreadyLoaded = errors.New("signature database already loaded")

// Handle owns one engine instance for its whole life. It is safe for
// concurrent Scan calls once LoadAndCompile has succeeded; Teardown waits for
// in-flight scans and releases the instance exactly once.
type Handle struct {
	backend   string
	precision uint64

	mu    sync.RWMutex
	inst  Instance
	state state
	opts  Options
	sigs  uint
}

// Initialize acquires a fresh instance from the capability.
func Initialize(c Capability) (*Handle, error) {
	if c == nil {
		return nil, &Error{Kind: KindInitialization, Op: "new", Err: errors.New("no engine capability")}
	}
	inst, err := c.New()
	if err != nil {
		return nil, &Error{Kind: KindInitialization, Op: c.Name(), Err: err}
	}
	if inst == nil {
		return nil, &Error{Kind: KindInitialization, Op: c.Name(), Err: errors.New("capability returned no instance")}
	}
	precision := c.CountPrecision()
	if precision == 0 {
		precision = 1
	}
	return &Handle{
		backend:   c.Name(),
		precision: precision,
		inst:      inst,
		state:     stateInitialized,
	}, nil
}

// LoadAndCompile loads the signature database at location, compiles it and
// fixes opts for every later scan. On failure the instance is released before
// the error is returned, since a partially loaded engine is unusable.
func (h *Handle) LoadAndCompile(location string, opts Options) (uint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateReleased:
		return 0, fmt.Errorf("load signatures: %w", ErrReleased)
	case stateReady:
		return 0, fmt.Errorf("load signatures: %w", ErrAlreadyLoaded)
	}

	sigs, err := h.inst.Load(location)
	if err != nil {
		h.releaseLocked()
		return 0, &Error{Kind: KindDatabaseLoad, Op: location, Err: err}
	}
	if err := h.inst.Compile(); err != nil {
		h.releaseLocked()
		return 0, &Error{Kind: KindCompile, Op: location, Err: err}
	}
	if cc, ok := h.inst.(CompiledCounter); ok {
		sigs = cc.CompiledSignatures()
	}

	h.opts = opts
	h.sigs = sigs
	h.state = stateReady
	return sigs, nil
}

// Scan runs the engine over one open stream with the handle's options.
func (h *Handle) Scan(ctx context.Context, stream Stream) (Verdict, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch h.state {
	case stateReleased:
		return Verdict{}, ErrReleased
	case stateInitialized:
		return Verdict{}, ErrNotReady
	}

	verdict, err := h.inst.ScanStream(ctx, stream, h.opts)
	if err != nil {
		return verdict, &Error{Kind: KindScan, Op: stream.Name(), Err: err}
	}
	return verdict, nil
}

// Teardown releases the instance. Only the first call does anything; it
// returns the backend's release error, if any.
func (h *Handle) Teardown() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseLocked()
}

func (h *Handle) releaseLocked() error {
	if h.state == stateReleased {
		return nil
	}
	h.state = stateReleased
	inst := h.inst
	h.inst = nil
	if err := inst.Release(); err != nil {
		return fmt.Errorf("release %s engine: %w", h.backend, err)
	}
	return nil
}

func (h *Handle) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == stateReady
}

func (h *Handle) Options() Options {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.opts
}

func (h *Handle) Signatures() uint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sigs
}

func (h *Handle) Backend() string { return h.backend }

func (h *Handle) CountPrecision() uint64 { return h.precision }
