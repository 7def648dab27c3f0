//go:build yara

// Package yara is an engine backend over libyara rules. It is only built with
// the yara tag since it needs cgo and the libyara headers.
package yara

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	goyara "github.com/hillu/go-yara/v4"

	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/logging"
)

const Name = "yara"

const namespace = "avsweep"

type Capability struct {
	timeout time.Duration
	logger  *logging.Logger
}

func New(timeout time.Duration, logger *logging.Logger) *Capability {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Capability{timeout: timeout, logger: logger}
}

func (c *Capability) Name() string { return Name }

func (c *Capability) CountPrecision() uint64 { return 1 }

func (c *Capability) New() (engine.Instance, error) {
	compiler, err := goyara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("yara compiler init: %w", err)
	}
	return &instance{compiler: compiler, timeout: c.timeout, logger: c.logger}, nil
}

type instance struct {
	compiler *goyara.Compiler
	sources  []ruleSource
	rules    *goyara.Rules
	timeout  time.Duration
	logger   *logging.Logger
}

type ruleSource struct {
	path string
	text string
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yar" || ext == ".yara"
}

// Load reads every rule file under location (or location itself). Rules are
// only parsed by Compile, so the count here is the number of rule files.
func (i *instance) Load(location string) (uint, error) {
	var files []string
	err := filepath.WalkDir(location, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && (path == location || isRuleFile(path)) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk rules: %w", err)
	}
	if len(files) == 0 {
		return 0, errors.New("no YARA rules found in " + location)
	}
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		i.sources = append(i.sources, ruleSource{path: path, text: string(raw)})
	}
	return uint(len(files)), nil
}

// Compile parses the loaded sources and builds the rule set.
func (i *instance) Compile() error {
	if len(i.sources) == 0 {
		return errors.New("no rules loaded")
	}
	for _, src := range i.sources {
		if err := i.compiler.AddString(src.text, namespace); err != nil {
			return fmt.Errorf("compile %s: %w", src.path, err)
		}
	}
	rules, err := i.compiler.GetRules()
	if err != nil {
		return fmt.Errorf("get rules: %w", err)
	}
	i.rules = rules
	i.logger.Debug("yara rules compiled",
		logging.Field{Key: "files", Value: len(i.sources)},
		logging.Field{Key: "rules", Value: len(rules.GetRules())},
	)
	i.sources = nil
	return nil
}

// CompiledSignatures is the number of compiled rules.
func (i *instance) CompiledSignatures() uint {
	if i.rules == nil {
		return 0
	}
	return uint(len(i.rules.GetRules()))
}

// ScanStream buffers up to MaxScanSize bytes and scans them in memory.
func (i *instance) ScanStream(ctx context.Context, stream engine.Stream, opts engine.Options) (engine.Verdict, error) {
	var r io.Reader = stream
	if opts.MaxScanSize > 0 {
		r = io.LimitReader(stream, opts.MaxScanSize)
	}
	data, err := io.ReadAll(r)
	processed := uint64(len(data))
	if err != nil {
		return engine.Verdict{Processed: processed}, fmt.Errorf("read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return engine.Verdict{Processed: processed}, err
	}
	timeout := i.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	var matches goyara.MatchRules
	if err := i.rules.ScanMem(data, goyara.ScanFlagsFastMode, timeout, &matches); err != nil {
		return engine.Verdict{Processed: processed}, fmt.Errorf("yara scan: %w", err)
	}
	if len(matches) == 0 {
		return engine.Verdict{Kind: engine.VerdictClean, Processed: processed}, nil
	}
	return engine.Verdict{Kind: engine.VerdictInfected, Signature: "YARA." + matches[0].Rule, Processed: processed}, nil
}

func (i *instance) Release() error {
	if i.rules != nil {
		i.rules.Destroy()
		i.rules = nil
	}
	if i.compiler != nil {
		i.compiler.Destroy()
		i.compiler = nil
	}
	return nil
}
