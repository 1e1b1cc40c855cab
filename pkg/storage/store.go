package storage

import (
	"errors"
	"time"

	"github.com/cuemby/lbctl/pkg/types"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("not found")

// Account is a persisted ACME account
type Account struct {
	Email        string
	KeyPEM       []byte
	Registration []byte // JSON encoded registration resource from the CA
	CADirectory  string
	CreatedAt    time.Time
}

// Store defines the interface for lbctl's local state
type Store interface {
	// Certificate records
	PutCertRecord(rec *types.CertRecord) error
	GetCertRecord(domain string) (*types.CertRecord, error)
	ListCertRecords() ([]*types.CertRecord, error)
	DeleteCertRecord(domain string) error

	// ACME accounts, keyed by CA directory and email
	PutAccount(acc *Account) error
	GetAccount(caDirectory, email string) (*Account, error)

	// Fingerprints of watched trees, keyed by directory
	PutFingerprint(dir, fingerprint string) error
	GetFingerprint(dir string) (string, error)

	// Utility
	Close() error
}
