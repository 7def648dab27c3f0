package sigdb

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipsix/avsweep/internal/sigfile"
	"github.com/ipsix/avsweep/internal/storage"
)

// batch is everything collected from one import source.
type batch struct {
	name       string
	entries    map[sigfile.Format][]storage.Entry
	files      int
	signatures int
	skipped    int
	bytes      int64
}

func newBatch(name string) *batch {
	return &batch{name: name, entries: map[sigfile.Format][]storage.Entry{}}
}

func collect(ctx context.Context, srcPath string) (*batch, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("stat import path: %w", err)
	}
	b := newBatch(filepath.Base(srcPath))
	if info.IsDir() {
		return b, collectDir(ctx, srcPath, b)
	}
	lower := strings.ToLower(srcPath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return b, collectZip(ctx, srcPath, b)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return b, collectTarGz(ctx, srcPath, b)
	case strings.HasSuffix(lower, ".tar"):
		return b, collectTar(ctx, srcPath, b)
	}
	format, ok := sigfile.FormatOf(srcPath)
	if !ok {
		return nil, fmt.Errorf("import %s: unrecognized signature file extension", srcPath)
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open signature file: %w", err)
	}
	defer f.Close()
	return b, b.read(format, f, srcPath)
}

func collectDir(ctx context.Context, root string, b *batch) error {
	return filepath.WalkDir(root, func(pathname string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		format, ok := sigfile.FormatOf(pathname)
		if !ok {
			return nil
		}
		f, err := os.Open(pathname)
		if err != nil {
			return fmt.Errorf("open signature file: %w", err)
		}
		defer f.Close()
		return b.read(format, f, pathname)
	})
}

func collectZip(ctx context.Context, src string, b *batch) error {
	archive, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer archive.Close()
	for _, f := range archive.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checkEntryName(f.Name); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		format, ok := sigfile.FormatOf(f.Name)
		if !ok {
			continue
		}
		in, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		err = b.read(format, in, src+"!"+f.Name)
		in.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func collectTarGz(ctx context.Context, src string, b *batch) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()
	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()
	return collectTarReader(ctx, gz, src, b)
}

func collectTar(ctx context.Context, src string, b *batch) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()
	return collectTarReader(ctx, file, src, b)
}

func collectTarReader(ctx context.Context, r io.Reader, src string, b *batch) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checkEntryName(header.Name); err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		format, ok := sigfile.FormatOf(header.Name)
		if !ok {
			continue
		}
		if err := b.read(format, tr, src+"!"+header.Name); err != nil {
			return err
		}
	}
}

// read validates each line of r and queues the supported ones.
func (b *batch) read(format sigfile.Format, r io.Reader, source string) error {
	counter := &countingReader{r: r}
	sc := bufio.NewScanner(counter)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		err := sigfile.Validate(format, line)
		if errors.Is(err, sigfile.ErrUnsupported) {
			b.skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("%s:%d: %w", source, lineNo, err)
		}
		b.entries[format] = append(b.entries[format], storage.Entry{Key: lineKey(line), Value: []byte(line)})
		b.signatures++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", source, err)
	}
	b.files++
	b.bytes += counter.n
	return nil
}

// checkEntryName rejects archive members that would escape the archive root.
func checkEntryName(name string) error {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("invalid path traversal: %s", name)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
