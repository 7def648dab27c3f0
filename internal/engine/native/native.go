// Package native is a pure-Go engine over ClamAV-style hash and body
// signatures. It understands enough of the format to detect the standard
// test file and simple custom feeds; it is not a replacement for ClamAV.
package native

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/logging"
	"github.com/ipsix/avsweep/internal/sigdb"
	"github.com/ipsix/avsweep/internal/sigfile"
)

const Name = "native"

// HeuristicBrokenExecutable is reported for MZ files whose PE header is
// missing or points outside the file.
const HeuristicBrokenExecutable = "Heuristics.Broken.Executable"

var errNoSignatures = errors.New("no signatures loaded")

type Capability struct {
	logger *logging.Logger
}

func New(logger *logging.Logger) *Capability {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Capability{logger: logger}
}

func (c *Capability) Name() string { return Name }

func (c *Capability) CountPrecision() uint64 { return 1 }

func (c *Capability) New() (engine.Instance, error) {
	return &instance{logger: c.logger, set: &sigfile.Set{}}, nil
}

type instance struct {
	logger *logging.Logger
	set    *sigfile.Set
	db     *database
}

// Load accepts a signature database directory, a plain directory of
// signature files or a single signature file.
func (i *instance) Load(location string) (uint, error) {
	info, err := os.Stat(location)
	if err != nil {
		return 0, fmt.Errorf("stat signatures: %w", err)
	}
	switch {
	case info.IsDir() && sigdb.IsDatabase(location):
		err = i.loadDatabase(location)
	case info.IsDir():
		err = i.loadDir(location)
	default:
		err = i.loadFile(location)
	}
	if err != nil {
		return 0, err
	}
	if i.set.Len() == 0 {
		return 0, fmt.Errorf("%s: %w", location, errNoSignatures)
	}
	i.logger.Debug("native signatures loaded",
		logging.Field{Key: "location", Value: location},
		logging.Field{Key: "hash", Value: len(i.set.Hashes)},
		logging.Field{Key: "body", Value: len(i.set.Bodies)},
		logging.Field{Key: "skipped", Value: i.set.Skipped},
	)
	return uint(i.set.Len()), nil
}

func (i *instance) loadDatabase(path string) error {
	db, err := sigdb.OpenReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.ForEach(func(format sigfile.Format, line string) error {
		if err := i.set.Add(format, line); err != nil && !errors.Is(err, sigfile.ErrUnsupported) {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	})
}

func (i *instance) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read signature dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, ok := sigfile.FormatOf(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := i.loadFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (i *instance) loadFile(path string) error {
	format, ok := sigfile.FormatOf(path)
	if !ok {
		return fmt.Errorf("%s: unrecognized signature file extension", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open signatures: %w", err)
	}
	defer f.Close()
	set, err := sigfile.ParseReader(format, f, path)
	if err != nil {
		return err
	}
	i.set.Merge(set)
	return nil
}

func (i *instance) Compile() error {
	if i.set == nil || i.set.Len() == 0 {
		return errNoSignatures
	}
	i.db = compile(i.set)
	i.set = nil
	return nil
}

func (i *instance) Release() error {
	i.set = nil
	i.db = nil
	return nil
}
