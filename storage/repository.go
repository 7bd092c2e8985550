// Package storage provides the record store behind the session service:
// user records and persisted server sessions.
package storage

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository stores opaque records grouped into buckets. A record is
// addressed by (bucket, recordType, recordID).
type Repository interface {
	Put(bucket, recordType, recordID string, data []byte) error
	Get(bucket, recordType, recordID string) ([]byte, error)
	Delete(bucket, recordType, recordID string) error
	List(bucket, recordType string) ([]string, error)
}
