package db

import (
	"context"
	"database/sql"
	"fmt"
)

// ============================================================================
// PostgresStore - SQL implementation of DocumentStore
// ============================================================================

// PostgresStore stores each document as a row in the documents table with a
// version column used for conditional writes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ensure PostgresStore implements DocumentStore
var _ DocumentStore = (*PostgresStore)(nil)

// Get retrieves a document by name
func (s *PostgresStore) Get(ctx context.Context, name string) (Document, error) {
	var doc Document
	doc.Name = name
	err := s.db.QueryRowContext(ctx, `
		SELECT body, version FROM documents
		WHERE name = $1
	`, name).Scan(&doc.Body, &doc.Version)

	if err != nil {
		if err == sql.ErrNoRows {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// Put writes a document conditionally on its expected version. expectVersion
// 0 creates the document; a zero rows-affected result in either path means a
// concurrent writer changed the row first.
func (s *PostgresStore) Put(ctx context.Context, name string, body []byte, expectVersion int64) (int64, error) {
	var res sql.Result
	var err error
	if expectVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO documents (name, body, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (name) DO NOTHING
		`, name, body)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE documents
			SET body = $2, version = version + 1, updated_at = NOW()
			WHERE name = $1 AND version = $3
		`, name, body, expectVersion)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to put document: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to put document: %w", err)
	}
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	return expectVersion + 1, nil
}
