package storage

import "errors"

var ErrNotFound = errors.New("not found")

// Entry is one key/value pair within a bucket.
type Entry struct {
	Key   string
	Value []byte
}

type Store interface {
	Put(bucket, key string, value []byte) error
	PutMany(bucket string, entries []Entry) error
	Get(bucket, key string) ([]byte, error)
	ForEach(bucket string, fn func(key, value []byte) error) error
	Delete(bucket, key string) error
	DropBucket(bucket string) error
	Close() error
}
