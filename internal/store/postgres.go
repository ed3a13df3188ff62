package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// LoadContent returns the stored content, or found=false for a document
// that has never been saved.
func (s *PostgresStore) LoadContent(ctx context.Context, documentID string) (string, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id=$1`, documentID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load content %s: %w", documentID, err)
	}
	return content, true, nil
}

// SaveContent overwrites the document content, creating the row on first save.
func (s *PostgresStore) SaveContent(ctx context.Context, documentID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content, updated_at = NOW()
	`, documentID, content)
	if err != nil {
		return fmt.Errorf("save content %s: %w", documentID, err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", documentID, err)
	}
	return doc, nil
}
