// Package walker enumerates the regular files under a root directory.
package walker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInaccessible is returned when the root directory cannot be opened.
var ErrInaccessible = errors.New("directory inaccessible")

// ErrStop can be returned by a visit function to end the walk early without
// an error.
var ErrStop = errors.New("stop walk")

const defaultBatch = 128

type Options struct {
	Recursive bool
	// Include and Exclude are doublestar globs matched against the
	// root-relative slash path and against the base name.
	Include   []string
	Exclude   []string
	BatchSize int
}

// Warning is a non-fatal problem met while reading a directory.
type Warning struct {
	Path string
	Err  error
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s: %v", w.Path, w.Err)
}

type Walker struct {
	root string
	opts Options
}

func New(root string, opts Options) (*Walker, error) {
	for _, g := range append(append([]string{}, opts.Include...), opts.Exclude...) {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid glob %q", g)
		}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatch
	}
	return &Walker{root: root, opts: opts}, nil
}

func (w *Walker) Root() string { return w.root }

// Walk calls visit for every selected regular file, lazily, in directory
// order. Symlinks, directories and special files are never visited. Errors
// reading entries are passed to warn and the walk continues; failing to open
// the root returns ErrInaccessible. An error from visit ends the walk and is
// returned, except ErrStop.
func (w *Walker) Walk(ctx context.Context, visit func(path string) error, warn func(Warning)) error {
	if warn == nil {
		warn = func(Warning) {}
	}
	dir, err := os.Open(w.root)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInaccessible, w.root, err)
	}
	info, err := dir.Stat()
	if err == nil && !info.IsDir() {
		dir.Close()
		return fmt.Errorf("%w: %s: not a directory", ErrInaccessible, w.root)
	}
	err = w.walkDir(ctx, dir, w.root, "", visit, warn)
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

func (w *Walker) walkDir(ctx context.Context, dir *os.File, path, rel string, visit func(string) error, warn func(Warning)) error {
	var subdirs []string
	for {
		if err := ctx.Err(); err != nil {
			dir.Close()
			return err
		}
		entries, err := dir.ReadDir(w.opts.BatchSize)
		for _, entry := range entries {
			name := entry.Name()
			childRel := name
			if rel != "" {
				childRel = rel + "/" + name
			}
			mode := entry.Type()
			switch {
			case mode.IsDir():
				if w.opts.Recursive && !w.excluded(childRel) {
					subdirs = append(subdirs, name)
				}
			case mode.IsRegular():
				if !w.selected(childRel) {
					continue
				}
				if err := visit(filepath.Join(path, name)); err != nil {
					dir.Close()
					return err
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			warn(Warning{Path: path, Err: err})
			break
		}
	}
	dir.Close()

	for _, name := range subdirs {
		childPath := filepath.Join(path, name)
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		child, err := os.Open(childPath)
		if err != nil {
			warn(Warning{Path: childPath, Err: err})
			continue
		}
		if err := w.walkDir(ctx, child, childPath, childRel, visit, warn); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) selected(rel string) bool {
	if len(w.opts.Include) > 0 && !matchAny(rel, w.opts.Include) {
		return false
	}
	return !w.excluded(rel)
}

func (w *Walker) excluded(rel string) bool {
	return len(w.opts.Exclude) > 0 && matchAny(rel, w.opts.Exclude)
}

func matchAny(rel string, globs []string) bool {
	base := rel[strings.LastIndex(rel, "/")+1:]
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, base); ok {
			return true
		}
	}
	return false
}
