package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/lbctl/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCertRecords  = []byte("cert_records")
	bucketAccounts     = []byte("acme_accounts")
	bucketFingerprints = []byte("fingerprints")
)

// DefaultOpenTimeout bounds how long NewBoltStore waits for another process
// holding the database file
const DefaultOpenTimeout = 5 * time.Second

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string, openTimeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCertRecords, bucketAccounts, bucketFingerprints} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %q: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

// Certificate record operations
func (s *BoltStore) PutCertRecord(rec *types.CertRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	return s.put(bucketCertRecords, rec.Domain, rec)
}

func (s *BoltStore) GetCertRecord(domain string) (*types.CertRecord, error) {
	var rec types.CertRecord
	if err := s.get(bucketCertRecords, domain, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListCertRecords() ([]*types.CertRecord, error) {
	var records []*types.CertRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertRecords).ForEach(func(k, v []byte) error {
			var rec types.CertRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) DeleteCertRecord(domain string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertRecords).Delete([]byte(domain))
	})
}

// ACME account operations
func accountKey(caDirectory, email string) string {
	return caDirectory + "|" + email
}

func (s *BoltStore) PutAccount(acc *Account) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now()
	}
	return s.put(bucketAccounts, accountKey(acc.CADirectory, acc.Email), acc)
}

func (s *BoltStore) GetAccount(caDirectory, email string) (*Account, error) {
	var acc Account
	if err := s.get(bucketAccounts, accountKey(caDirectory, email), &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Fingerprint operations
func (s *BoltStore) PutFingerprint(dir, fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFingerprints).Put([]byte(dir), []byte(fingerprint))
	})
}

func (s *BoltStore) GetFingerprint(dir string) (string, error) {
	var fp string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFingerprints).Get([]byte(dir))
		if data == nil {
			return fmt.Errorf("fingerprint %q: %w", dir, ErrNotFound)
		}
		fp = string(data)
		return nil
	})
	return fp, err
}
