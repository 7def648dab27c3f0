// Package engine defines the boundary between the orchestrator and a scanning
// engine: the capability a backend implements, the immutable scan options, and
// the Handle that enforces the initialize / load / compile / scan / release
// lifecycle.
package engine

import (
	"context"
	"io"
)

// Capability produces engine instances. One capability is registered per backend.
type Capability interface {
	Name() string
	// CountPrecision is the number of bytes represented by one unit of
	// Verdict.Processed.
	CountPrecision() uint64
	New() (Instance, error)
}

// Instance is one opaque engine. The Handle serializes Load/Compile/Release;
// ScanStream may be called concurrently once compiled.
type Instance interface {
	Load(location string) (uint, error)
	Compile() error
	ScanStream(ctx context.Context, stream Stream, opts Options) (Verdict, error)
	Release() error
}

// CompiledCounter is implemented by instances that only know their signature
// count once Compile has run. The Handle prefers it over the Load count.
type CompiledCounter interface {
	CompiledSignatures() uint
}

// Stream is an open file handed to the engine. It is always an *os.File in
// production; tests may pass any io.Reader with a name.
type Stream interface {
	io.Reader
	Name() string
}

type VerdictKind int

const (
	VerdictClean VerdictKind = iota
	VerdictInfected
)

// Verdict is the engine's answer for one stream. Processed is reported in
// CountPrecision units and is meaningful even when ScanStream returns an error.
type Verdict struct {
	Kind      VerdictKind
	Signature string
	Processed uint64
}

// ParseFlags mirrors the per-format parsers an engine may enable.
type ParseFlags uint32

const (
	ParseArchive ParseFlags = 1 << iota
	ParseELF
	ParsePDF
	ParseSWF
	ParseHWP3
	ParseXMLDocs
	ParseMail
	ParseOLE2
	ParseHTML
	ParsePE

	ParseAll ParseFlags = ^ParseFlags(0)
)

type GeneralFlags uint32

const (
	GeneralHeuristics GeneralFlags = 1 << iota
	GeneralAllMatches
)

// Options is the scan configuration. It is a value: once a Handle is compiled
// its copy never changes.
type Options struct {
	Parse       ParseFlags
	General     GeneralFlags
	MaxScanSize int64
	MaxFiles    int
}

// DefaultOptions enables every parser and heuristic detection.
func DefaultOptions() Options {
	return Options{
		Parse:       ParseAll,
		General:     GeneralHeuristics,
		MaxScanSize: 400 << 20,
		MaxFiles:    10000,
	}
}

func (o Options) Has(flag ParseFlags) bool {
	return o.Parse&flag != 0
}

func (o Options) Heuristics() bool {
	return o.General&GeneralHeuristics != 0
}
