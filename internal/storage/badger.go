package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

type Options struct {
	ReadOnly            bool
	EncryptionKeyBase64 string
}

type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	return OpenBadgerStore(path, Options{})
}

func OpenBadgerStore(path string, o Options) (*BadgerStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil).WithReadOnly(o.ReadOnly)
	if o.EncryptionKeyBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(o.EncryptionKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes")
		}
		opts = opts.WithEncryptionKey(key).WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// IsBadgerDir reports whether path looks like a Badger data directory.
func IsBadgerDir(path string) bool {
	info, err := os.Stat(filepath.Join(path, "MANIFEST"))
	return err == nil && info.Mode().IsRegular()
}

func (b *BadgerStore) Put(bucket, key string, value []byte) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(makeKey(bucket, key), value)
	})
}

// PutMany writes entries through a write batch, which is not bounded by the
// transaction size limit.
func (b *BadgerStore) PutMany(bucket string, entries []Entry) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if e.Key == "" {
			return fmt.Errorf("key is required")
		}
		if err := wb.Set(makeKey(bucket, e.Key), e.Value); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("batch flush: %w", err)
	}
	return nil
}

func (b *BadgerStore) Get(bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("bucket and key are required")
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(bucket, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) ForEach(bucket string, fn func(key, value []byte) error) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	prefix := []byte(bucket + "/")
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			key := string(k[len(prefix):])
			if err := item.Value(func(val []byte) error {
				return fn([]byte(key), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) Delete(bucket, key string) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(makeKey(bucket, key))
	})
}

func (b *BadgerStore) DropBucket(bucket string) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return b.db.DropPrefix([]byte(bucket + "/"))
}

func (b *BadgerStore) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func makeKey(bucket, key string) []byte {
	return []byte(filepath.ToSlash(bucket + "/" + key))
}
