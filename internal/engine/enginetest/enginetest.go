// Package enginetest provides an instrumented in-memory engine capability for
// tests of the engine lifecycle and the scan orchestrator.
package enginetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ipsix/avsweep/internal/engine"
)

// Capability is a fake backend. Verdicts are driven by substring rules over
// the stream content; every lifecycle call is counted.
type Capability struct {
	// Patterns maps a content substring to the signature name reported.
	Patterns map[string]string
	// FailMarker makes ScanStream fail when the content contains it.
	FailMarker string
	// StallMarker makes ScanStream wait for ctx to end when the content
	// contains it.
	StallMarker string
	// ProcessedOverride, when non-zero, replaces the reported processed size.
	ProcessedOverride uint64
	Precision         uint64
	Signatures        uint

	NewErr     error
	LoadErr    error
	CompileErr error
	ReleaseErr error

	mu        sync.Mutex
	instances []*Instance
}

func (c *Capability) Name() string { return "fake" }

func (c *Capability) CountPrecision() uint64 {
	if c.Precision == 0 {
		return 1
	}
	return c.Precision
}

func (c *Capability) New() (engine.Instance, error) {
	if c.NewErr != nil {
		return nil, c.NewErr
	}
	inst := &Instance{cap: c}
	c.mu.Lock()
	c.instances = append(c.instances, inst)
	c.mu.Unlock()
	return inst, nil
}

// Instances returns every instance created so far.
func (c *Capability) Instances() []*Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Instance{}, c.instances...)
}

// Releases sums Release calls across all instances.
func (c *Capability) Releases() int {
	total := 0
	for _, inst := range c.Instances() {
		total += int(inst.releases.Load())
	}
	return total
}

type Instance struct {
	cap *Capability

	loads             atomic.Int32
	compiles          atomic.Int32
	releases          atomic.Int32
	scans             atomic.Int32
	scansAfterRelease atomic.Int32
	inFlight          atomic.Int32
	maxInFlight       atomic.Int32

	optsMu   sync.Mutex
	lastOpts engine.Options
	location string
}

func (i *Instance) Load(location string) (uint, error) {
	i.loads.Add(1)
	i.optsMu.Lock()
	i.location = location
	i.optsMu.Unlock()
	if i.cap.LoadErr != nil {
		return 0, i.cap.LoadErr
	}
	if i.cap.Signatures == 0 {
		return uint(len(i.cap.Patterns)), nil
	}
	return i.cap.Signatures, nil
}

func (i *Instance) Compile() error {
	i.compiles.Add(1)
	return i.cap.CompileErr
}

func (i *Instance) ScanStream(ctx context.Context, stream engine.Stream, opts engine.Options) (engine.Verdict, error) {
	if i.releases.Load() > 0 {
		i.scansAfterRelease.Add(1)
	}
	i.scans.Add(1)
	n := i.inFlight.Add(1)
	defer i.inFlight.Add(-1)
	for {
		max := i.maxInFlight.Load()
		if n <= max || i.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	i.optsMu.Lock()
	i.lastOpts = opts
	i.optsMu.Unlock()

	if err := ctx.Err(); err != nil {
		return engine.Verdict{}, err
	}
	data, err := io.ReadAll(stream)
	processed := uint64(len(data)) / i.cap.CountPrecision()
	if i.cap.ProcessedOverride != 0 {
		processed = i.cap.ProcessedOverride
	}
	verdict := engine.Verdict{Kind: engine.VerdictClean, Processed: processed}
	if err != nil {
		return verdict, err
	}
	if i.cap.StallMarker != "" && bytes.Contains(data, []byte(i.cap.StallMarker)) {
		<-ctx.Done()
		return verdict, ctx.Err()
	}
	if i.cap.FailMarker != "" && bytes.Contains(data, []byte(i.cap.FailMarker)) {
		return verdict, errors.New("CL_EFORMAT: malformed content")
	}
	for pattern, name := range i.cap.Patterns {
		if bytes.Contains(data, []byte(pattern)) {
			verdict.Kind = engine.VerdictInfected
			verdict.Signature = name
			break
		}
	}
	return verdict, nil
}

func (i *Instance) Release() error {
	i.releases.Add(1)
	return i.cap.ReleaseErr
}

func (i *Instance) Loads() int             { return int(i.loads.Load()) }
func (i *Instance) Compiles() int          { return int(i.compiles.Load()) }
func (i *Instance) ReleaseCount() int      { return int(i.releases.Load()) }
func (i *Instance) Scans() int             { return int(i.scans.Load()) }
func (i *Instance) ScansAfterRelease() int { return int(i.scansAfterRelease.Load()) }
func (i *Instance) MaxInFlight() int       { return int(i.maxInFlight.Load()) }

func (i *Instance) LastOptions() engine.Options {
	i.optsMu.Lock()
	defer i.optsMu.Unlock()
	return i.lastOpts
}

func (i *Instance) Location() string {
	i.optsMu.Lock()
	defer i.optsMu.Unlock()
	return i.location
}

// NamedReader adapts an in-memory payload to engine.Stream.
type NamedReader struct {
	*bytes.Reader
	name string
}

func NewStream(name string, data []byte) *NamedReader {
	return &NamedReader{Reader: bytes.NewReader(data), name: name}
}

func (n *NamedReader) Name() string { return n.name }
