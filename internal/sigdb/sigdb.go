// Package sigdb keeps validated signature lines in a Badger database so that
// a single directory can be handed to the native engine as its signature
// location. Lines are grouped in one bucket per format and keyed by their
// xxhash, which makes re-importing the same feed idempotent.
package sigdb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ipsix/avsweep/internal/logging"
	"github.com/ipsix/avsweep/internal/sigfile"
	"github.com/ipsix/avsweep/internal/storage"
)

var formats = []sigfile.Format{sigfile.FormatHDB, sigfile.FormatHSB, sigfile.FormatNDB}

// ErrEmpty is returned by Import when the input holds no usable signature.
var ErrEmpty = errors.New("no signatures found")

type DB struct {
	store  storage.Store
	logger *logging.Logger
	client *http.Client
	mu     sync.Mutex
}

// IsDatabase reports whether path is a signature database directory.
func IsDatabase(path string) bool {
	return storage.IsBadgerDir(path)
}

// Open opens (creating if needed) the database at path for writing.
func Open(path string, logger *logging.Logger) (*DB, error) {
	store, err := storage.NewBadgerStore(path)
	if err != nil {
		return nil, fmt.Errorf("open signature database: %w", err)
	}
	return New(store, logger), nil
}

// OpenReadOnly opens an existing database without taking the write lock.
func OpenReadOnly(path string) (*DB, error) {
	store, err := storage.OpenBadgerStore(path, storage.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open signature database: %w", err)
	}
	return New(store, logging.Discard()), nil
}

func New(store storage.Store, logger *logging.Logger) *DB {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DB{
		store:  store,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// SetHTTPClient replaces the client used by Fetch.
func (d *DB) SetHTTPClient(client *http.Client) {
	d.client = client
}

func (d *DB) Close() error {
	return d.store.Close()
}

func (d *DB) Status() (Status, error) {
	return loadStatus(d.store)
}

// ForEach streams every stored signature line.
func (d *DB) ForEach(fn func(format sigfile.Format, line string) error) error {
	for _, f := range formats {
		err := d.store.ForEach(string(f), func(_, value []byte) error {
			return fn(f, string(value))
		})
		if err != nil {
			return fmt.Errorf("read %s signatures: %w", f, err)
		}
	}
	return nil
}

// Reset removes every signature and the status record.
func (d *DB) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range formats {
		if err := d.store.DropBucket(string(f)); err != nil {
			return fmt.Errorf("drop %s signatures: %w", f, err)
		}
	}
	return d.store.DropBucket(metaBucket)
}

// Import reads the signature file, directory or archive at path and adds its
// lines to the database. A malformed line aborts the import before anything
// is written.
func (d *DB) Import(ctx context.Context, path string) (Status, error) {
	return d.importSource(ctx, path, SourceStatus{})
}

func (d *DB) importSource(ctx context.Context, path string, src SourceStatus) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	batch, err := collect(ctx, path)
	if err != nil {
		return Status{}, err
	}
	if batch.signatures == 0 {
		return Status{}, fmt.Errorf("import %s: %w", path, ErrEmpty)
	}
	for _, f := range formats {
		entries := batch.entries[f]
		if len(entries) == 0 {
			continue
		}
		if err := d.store.PutMany(string(f), entries); err != nil {
			return Status{}, fmt.Errorf("store %s signatures: %w", f, err)
		}
	}

	status, err := loadStatus(d.store)
	if err != nil {
		return Status{}, err
	}
	total, version, err := d.fingerprint()
	if err != nil {
		return Status{}, err
	}
	now := time.Now()
	if src.Source == "" {
		src.Source = batch.name
	}
	src.Files = batch.files
	src.Signatures = batch.signatures
	src.Skipped = batch.skipped
	src.Bytes = batch.bytes
	src.UpdatedAt = now
	src.Duration = time.Since(start).String()
	status.Sources[src.Source] = src
	status.Signatures = total
	status.Version = version
	status.UpdatedAt = now
	if err := saveStatus(d.store, status); err != nil {
		return Status{}, err
	}
	d.logger.Info("signatures imported",
		logging.Field{Key: "source", Value: src.Source},
		logging.Field{Key: "signatures", Value: src.Signatures},
		logging.Field{Key: "skipped", Value: src.Skipped},
		logging.Field{Key: "version", Value: version},
	)
	return status, nil
}

// fingerprint counts stored lines and digests their keys in key order.
func (d *DB) fingerprint() (int, string, error) {
	h := xxhash.New()
	total := 0
	for _, f := range formats {
		var keys []string
		err := d.store.ForEach(string(f), func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		})
		if err != nil {
			return 0, "", fmt.Errorf("read %s signatures: %w", f, err)
		}
		sort.Strings(keys)
		_, _ = h.WriteString(string(f))
		for _, k := range keys {
			_, _ = h.WriteString(k)
		}
		total += len(keys)
	}
	return total, hex.EncodeToString(h.Sum(nil)), nil
}

func lineKey(line string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(line))
}
