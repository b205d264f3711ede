package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Document store
// ============================================================================
//
// Every persisted collection is a whole JSON document with a monotonically
// increasing version. Writers read the current version, apply a pure
// transform, and attempt a conditional write; a version mismatch means a
// concurrent writer won and the whole cycle is retried.

var (
	// ErrNotFound is returned when a named document does not exist.
	ErrNotFound = errors.New("db: document not found")

	// ErrVersionConflict is returned by a conditional write whose expected
	// version no longer matches the stored one.
	ErrVersionConflict = errors.New("db: version conflict")

	// ErrNoChange can be returned by an Update transform to skip the write
	// entirely (first-writer-wins registrations use this).
	ErrNoChange = errors.New("db: no change")
)

// Document is a stored JSON blob plus its version token.
type Document struct {
	Name    string
	Body    []byte
	Version int64
}

// DocumentStore is the whole-document storage contract. Put with
// expectVersion 0 creates the document and fails with ErrVersionConflict if
// it already exists; any other expectVersion performs a conditional update.
type DocumentStore interface {
	Get(ctx context.Context, name string) (Document, error)
	Put(ctx context.Context, name string, body []byte, expectVersion int64) (int64, error)
}

// Well-known document names.
const (
	DocApps          = "apps"
	DocUsers         = "users"
	DocOrganizations = "organizations"
	DocBlocked       = "blocked"
	DocDunning       = "dunning"
	DocFaults        = "faults"
)

// UsageLogDoc names the per-organization usage log document.
func UsageLogDoc(orgID string) string {
	return "usage:" + orgID
}

// UnknownAccessDoc names the per-organization unknown-access log document.
func UnknownAccessDoc(orgID string) string {
	return "unknown-access:" + orgID
}

// BillingDoc names the monthly billing document for a UTC period.
func BillingDoc(period string) string {
	return "billing:" + period
}

// BillingPeriod formats t as the UTC "YYYY-MM" billing key.
func BillingPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DefaultUpdateAttempts bounds the CAS retry loop; the backoff between
// attempts is linear in the attempt number.
const (
	DefaultUpdateAttempts = 5
	updateBackoffStep     = 50 * time.Millisecond
)

// Update runs the read-transform-conditional-write cycle for one document.
// The transform must be a pure function of the current body (nil when the
// document does not exist yet) so that retries are safe to repeat. Returning
// ErrNoChange from the transform skips the write and succeeds.
func Update(ctx context.Context, s DocumentStore, name string, transform func(current []byte) ([]byte, error)) error {
	var lastErr error
	for attempt := 0; attempt < DefaultUpdateAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * updateBackoffStep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		doc, err := s.Get(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			doc = Document{Name: name}
		default:
			return fmt.Errorf("read %s: %w", name, err)
		}

		next, err := transform(doc.Body)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transform %s: %w", name, err)
		}

		if _, err = s.Put(ctx, name, next, doc.Version); err == nil {
			return nil
		} else if !errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("write %s: %w", name, err)
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("update %s: retries exhausted: %w", name, lastErr)
}

// GetJSON loads and unmarshals a document into out. A missing document
// returns ErrNotFound with out untouched.
func GetJSON(ctx context.Context, s DocumentStore, name string, out interface{}) error {
	doc, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
