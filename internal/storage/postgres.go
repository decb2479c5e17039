package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresStorage keeps every document as a JSONB row of the documents table.
// Query results come back in insertion order.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
	opts   options
	hub    *hub
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger, opts ...Option) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	s := newPostgresStorage(db, logger, opts...)
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", config.Host),
		zap.String("dbname", config.DBName))
	return s, nil
}

func newPostgresStorage(db *sql.DB, logger *zap.Logger, opts ...Option) *PostgresStorage {
	s := &PostgresStorage{db: db, logger: logger, opts: buildOptions(opts)}
	s.hub = newHub(s.Query)
	return s
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}
	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Get(ctx context.Context, path string) (*Document, error) {
	_, id, err := splitDocumentPath(path)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = $1`, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting document %s: %w", path, err)
	}

	fields, err := decodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("error decoding document %s: %w", path, err)
	}
	return &Document{Path: path, ID: id, Fields: fields}, nil
}

func (s *PostgresStorage) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	q, err := q.normalized()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, doc_id, data
		FROM documents
		WHERE collection = $1
		ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("error querying %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var (
			doc  Document
			data []byte
		)
		if err := rows.Scan(&doc.Path, &doc.ID, &data); err != nil {
			return nil, fmt.Errorf("error scanning document: %w", err)
		}
		if doc.Fields, err = decodeFields(data); err != nil {
			s.logger.Warn("Skipping undecodable document",
				zap.Error(err),
				zap.String("path", doc.Path))
			continue
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", collection, err)
	}
	return q.apply(docs), nil
}

func (s *PostgresStorage) Set(ctx context.Context, path string, fields Fields, mergeFields bool) error {
	collection, id, err := splitDocumentPath(path)
	if err != nil {
		return err
	}
	normalized, err := normalize(fields, s.opts.clock().UnixMilli())
	if err != nil {
		return err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("error encoding document %s: %w", path, err)
	}

	query := `
		INSERT INTO documents (path, collection, doc_id, data)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`
	if mergeFields {
		query = `
		INSERT INTO documents (path, collection, doc_id, data)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (path) DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = NOW()`
	}
	if _, err := s.db.ExecContext(ctx, query, path, collection, id, string(data)); err != nil {
		return fmt.Errorf("error setting document %s: %w", path, err)
	}

	s.hub.notify(path)
	return nil
}

func (s *PostgresStorage) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Set(ctx, Join(collection, id), fields, false); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStorage) exec(ctx context.Context, path, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error updating document %s: %w", path, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.hub.notify(path)
	return nil
}

func (s *PostgresStorage) Update(ctx context.Context, path string, fields Fields) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}
	normalized, err := normalize(fields, s.opts.clock().UnixMilli())
	if err != nil {
		return err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("error encoding document %s: %w", path, err)
	}
	return s.exec(ctx, path, `
		UPDATE documents
		SET data = data || $2::jsonb, updated_at = NOW()
		WHERE path = $1`, path, string(data))
}

func (s *PostgresStorage) DeleteField(ctx context.Context, path, field string) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}
	return s.exec(ctx, path, `
		UPDATE documents
		SET data = data - $2::text, updated_at = NOW()
		WHERE path = $1`, path, field)
}

func (s *PostgresStorage) Delete(ctx context.Context, path string) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}
	err := s.exec(ctx, path, `DELETE FROM documents WHERE path = $1`, path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *PostgresStorage) Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	return s.hub.subscribe(ctx, collection, q)
}

func (s *PostgresStorage) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}
