/*
Package storage provides BoltDB-backed persistence for lbctl's local state.

The filesystem stays the source of truth for fragments and certificates. The
database only keeps what cannot be derived from it:

  - cert_records: per-domain certificate bookkeeping (renewal enabled,
    consecutive failures, last error)
  - acme_accounts: the ACME account key and registration, keyed by CA
    directory and contact email
  - fingerprints: the last known fingerprint of each watched directory,
    used by the watcher to detect changes made while it was not running

Values are JSON encoded. Reads use db.View and writes db.Update, so every
operation is a single ACID transaction.

# Usage

	store, err := storage.NewBoltStore("/var/lib/lbctl/lbctl.db", storage.DefaultOpenTimeout)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetCertRecord("example.com")
	if errors.Is(err, storage.ErrNotFound) {
		// never seen
	}

# Concurrency

bbolt holds an exclusive file lock on the database while it is open, so two
processes cannot share one file. The watcher and the periodic commands
therefore use separate database files under the state directory, and
NewBoltStore gives up after the open timeout rather than blocking forever.
*/
package storage
