package invoice

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	invoiceBucketName     = "invoices"
	fingerprintBucketName = "fingerprints"
	recurrenceBucketName  = "recurring_groups"
)

// DB defines the interface for invoice record persistence.
type DB interface {
	// SaveInvoice stores a new invoice record.
	SaveInvoice(inv *Invoice) error

	// GetInvoice retrieves an invoice by ID.
	GetInvoice(id string) (*Invoice, error)

	// ListInvoices returns all invoices belonging to an owner.
	ListInvoices(ownerID string) ([]*Invoice, error)

	// ListInvoicesByMonth returns an owner's invoices in one YYYY-MM bucket.
	ListInvoicesByMonth(ownerID, month string) ([]*Invoice, error)

	// UpdateInvoice applies a mutation to a single invoice atomically.
	// The apply function sees the current record and edits it in place;
	// returning an error aborts the update without writing.
	UpdateInvoice(id string, apply func(*Invoice) error) error

	// ClaimFingerprint atomically claims (ownerID, fingerprint) for an
	// invoice. It returns the ID of the invoice holding the claim: the
	// caller's own ID if the fingerprint was unseen, otherwise the ID of
	// the earlier invoice that claimed it first.
	ClaimFingerprint(ownerID, fingerprint, invoiceID string) (string, error)

	// ClaimRecurringGroup atomically records an invoice as a member of
	// (ownerID, groupID) and reports whether the group already had a
	// member before this call.
	ClaimRecurringGroup(ownerID, groupID, invoiceID string) (bool, error)

	// ReleaseFingerprint removes the (ownerID, fingerprint) claim if it is
	// held by invoiceID. Claims held by other invoices are left intact.
	ReleaseFingerprint(ownerID, fingerprint, invoiceID string) error

	// ReleaseRecurringGroup removes the (ownerID, groupID) membership
	// marker if invoiceID is the recorded first member.
	ReleaseRecurringGroup(ownerID, groupID, invoiceID string) error

	// DeleteInvoice removes an invoice record.
	DeleteInvoice(id string) error

	// Close closes the database.
	Close() error
}

// BoltDB implements the DB interface using BoltDB. Fingerprint and
// recurrence claims are index buckets written inside bolt's single
// writer transaction, which gives first-claim-wins semantics without an
// application-level check-then-act race.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens (creating if needed) a BoltDB-backed invoice store.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{invoiceBucketName, fingerprintBucketName, recurrenceBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// indexKey namespaces an index entry by owner so fingerprints and groups
// never collide across users.
func indexKey(ownerID, value string) []byte {
	return []byte(ownerID + "/" + value)
}

// SaveInvoice stores a new invoice record.
func (b *BoltDB) SaveInvoice(inv *Invoice) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		data, err := json.Marshal(inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return bucket.Put([]byte(inv.ID), data)
	})
}

// GetInvoice retrieves an invoice by ID.
func (b *BoltDB) GetInvoice(id string) (*Invoice, error) {
	var inv *Invoice
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ListInvoices returns all invoices belonging to an owner.
func (b *BoltDB) ListInvoices(ownerID string) ([]*Invoice, error) {
	return b.list(func(inv *Invoice) bool {
		return inv.OwnerID == ownerID
	})
}

// ListInvoicesByMonth returns an owner's invoices in one YYYY-MM bucket.
func (b *BoltDB) ListInvoicesByMonth(ownerID, month string) ([]*Invoice, error) {
	return b.list(func(inv *Invoice) bool {
		return inv.OwnerID == ownerID && inv.Month == month
	})
}

func (b *BoltDB) list(keep func(*Invoice) bool) ([]*Invoice, error) {
	invoices := make([]*Invoice, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var inv Invoice
			if err := json.Unmarshal(v, &inv); err != nil {
				return fmt.Errorf("unmarshaling invoice: %w", err)
			}
			if keep(&inv) {
				invoices = append(invoices, &inv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// UpdateInvoice applies a mutation to a single invoice atomically.
func (b *BoltDB) UpdateInvoice(id string, apply func(*Invoice) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var inv Invoice
		if err := json.Unmarshal(data, &inv); err != nil {
			return fmt.Errorf("unmarshaling invoice: %w", err)
		}
		if err := apply(&inv); err != nil {
			return err
		}
		updated, err := json.Marshal(&inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// ClaimFingerprint atomically claims (ownerID, fingerprint) for an invoice.
func (b *BoltDB) ClaimFingerprint(ownerID, fingerprint, invoiceID string) (string, error) {
	holder := invoiceID
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fingerprintBucketName))
		key := indexKey(ownerID, fingerprint)
		if existing := bucket.Get(key); existing != nil {
			holder = string(existing)
			return nil
		}
		return bucket.Put(key, []byte(invoiceID))
	})
	if err != nil {
		return "", fmt.Errorf("claiming fingerprint: %w", err)
	}
	return holder, nil
}

// ClaimRecurringGroup atomically records group membership for an invoice.
func (b *BoltDB) ClaimRecurringGroup(ownerID, groupID, invoiceID string) (bool, error) {
	seenBefore := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recurrenceBucketName))
		key := indexKey(ownerID, groupID)
		if existing := bucket.Get(key); existing != nil && string(existing) != invoiceID {
			seenBefore = true
			return nil
		}
		return bucket.Put(key, []byte(invoiceID))
	})
	if err != nil {
		return false, fmt.Errorf("claiming recurring group: %w", err)
	}
	return seenBefore, nil
}

// ReleaseFingerprint removes the fingerprint claim if invoiceID holds it.
func (b *BoltDB) ReleaseFingerprint(ownerID, fingerprint, invoiceID string) error {
	return b.releaseIndex(fingerprintBucketName, indexKey(ownerID, fingerprint), invoiceID)
}

// ReleaseRecurringGroup removes the group marker if invoiceID is the
// recorded first member.
func (b *BoltDB) ReleaseRecurringGroup(ownerID, groupID, invoiceID string) error {
	return b.releaseIndex(recurrenceBucketName, indexKey(ownerID, groupID), invoiceID)
}

func (b *BoltDB) releaseIndex(bucketName string, key []byte, invoiceID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if string(bucket.Get(key)) != invoiceID {
			return nil
		}
		return bucket.Delete(key)
	})
}

// DeleteInvoice removes an invoice record. The fingerprint claim is
// released only when this invoice holds it, so re-uploading a deleted
// invoice is not flagged as a duplicate of a record that no longer
// exists. Recurrence membership is kept: the group has still been seen.
func (b *BoltDB) DeleteInvoice(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var inv Invoice
		if err := json.Unmarshal(data, &inv); err != nil {
			return fmt.Errorf("unmarshaling invoice: %w", err)
		}
		if inv.Fingerprint != "" {
			fingerprints := tx.Bucket([]byte(fingerprintBucketName))
			key := indexKey(inv.OwnerID, inv.Fingerprint)
			if string(fingerprints.Get(key)) == id {
				if err := fingerprints.Delete(key); err != nil {
					return err
				}
			}
		}
		return bucket.Delete([]byte(id))
	})
}

// Close closes the database.
func (b *BoltDB) Close() error {
	return b.db.Close()
}
