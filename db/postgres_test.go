package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// ============================================================================
// PostgresStore Tests
// ============================================================================

func TestPostgresStore_Get(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer mockDB.Close()

	store := NewPostgresStore(mockDB)
	ctx := context.Background()

	tests := []struct {
		name     string
		docName  string
		mockFunc func()
		wantErr  error
		wantVer  int64
	}{
		{
			name:    "existing document",
			docName: "apps",
			mockFunc: func() {
				rows := sqlmock.NewRows([]string{"body", "version"}).
					AddRow([]byte(`[]`), int64(3))
				mock.ExpectQuery("SELECT body, version FROM documents").
					WithArgs("apps").
					WillReturnRows(rows)
			},
			wantVer: 3,
		},
		{
			name:    "missing document",
			docName: "organizations",
			mockFunc: func() {
				mock.ExpectQuery("SELECT body, version FROM documents").
					WithArgs("organizations").
					WillReturnRows(sqlmock.NewRows([]string{"body", "version"}))
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.mockFunc()
			doc, err := store.Get(ctx, tt.docName)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Get() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && doc.Version != tt.wantVer {
				t.Errorf("Get() version = %d, want %d", doc.Version, tt.wantVer)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_Put(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer mockDB.Close()

	store := NewPostgresStore(mockDB)
	ctx := context.Background()

	t.Run("create new document", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO documents").
			WithArgs("apps", []byte(`[]`)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ver, err := store.Put(ctx, "apps", []byte(`[]`), 0)
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if ver != 1 {
			t.Errorf("Put() version = %d, want 1", ver)
		}
	})

	t.Run("create loses to concurrent create", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO documents").
			WithArgs("apps", []byte(`[]`)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := store.Put(ctx, "apps", []byte(`[]`), 0)
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("Put() error = %v, want ErrVersionConflict", err)
		}
	})

	t.Run("conditional update succeeds", func(t *testing.T) {
		mock.ExpectExec("UPDATE documents").
			WithArgs("apps", []byte(`[{}]`), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ver, err := store.Put(ctx, "apps", []byte(`[{}]`), 3)
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if ver != 4 {
			t.Errorf("Put() version = %d, want 4", ver)
		}
	})

	t.Run("conditional update hits stale version", func(t *testing.T) {
		mock.ExpectExec("UPDATE documents").
			WithArgs("apps", []byte(`[{}]`), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := store.Put(ctx, "apps", []byte(`[{}]`), 2)
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("Put() error = %v, want ErrVersionConflict", err)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
