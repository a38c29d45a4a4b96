package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dealsense/dealsense/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS stores (
    user_id TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    doc_type TEXT NOT NULL,
    title TEXT NOT NULL,
    status TEXT NOT NULL,
    storage_key TEXT,
    word_count INTEGER DEFAULT 0,
    generated_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id, generated_at);`

// Database is the local persistence layer: one JSON-encoded conversation
// store row per user, plus an insert-only audit table of inferred document
// records.
type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// SaveStore writes a user's conversation store, replacing any previous row.
func (db *Database) SaveStore(st *models.ConversationStore) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	query := `
        INSERT INTO stores (user_id, payload, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(user_id) DO UPDATE SET
            payload = excluded.payload,
            updated_at = CURRENT_TIMESTAMP`

	if _, err := db.db.Exec(query, st.UserID, string(payload)); err != nil {
		return fmt.Errorf("failed to save store: %w", err)
	}
	return nil
}

// LoadStore reads a user's conversation store. A missing row returns
// (nil, nil): first access for a user starts from an empty store.
func (db *Database) LoadStore(userID string) (*models.ConversationStore, error) {
	var payload string
	err := db.db.QueryRow(`SELECT payload FROM stores WHERE user_id = ?`, userID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}

	var st models.ConversationStore
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("failed to decode store: %w", err)
	}
	if st.Sessions == nil {
		st.Sessions = make(map[string]*models.AgentSession)
	}
	return &st, nil
}

// DeleteStore removes a user's row entirely.
func (db *Database) DeleteStore(userID string) error {
	_, err := db.db.Exec(`DELETE FROM stores WHERE user_id = ?`, userID)
	return err
}

// SaveDocument appends one inferred document record to the audit table.
// Records are immutable; a record with a known id is left as-is.
func (db *Database) SaveDocument(userID, agentID string, rec models.DocumentRecord) error {
	query := `
        INSERT INTO documents (id, user_id, agent_id, doc_type, title, status, storage_key, word_count, generated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING`

	_, err := db.db.Exec(query, rec.ID, userID, agentID, rec.Type, rec.Title,
		rec.Status, rec.StorageKey, rec.WordCount, rec.GeneratedAt)
	if err != nil {
		return fmt.Errorf("failed to save document record: %w", err)
	}
	return nil
}

// ListDocuments returns a user's inferred document records, newest first.
func (db *Database) ListDocuments(userID string, limit int) ([]models.DocumentRecord, error) {
	query := `
        SELECT id, doc_type, title, status, COALESCE(storage_key, ''), word_count, generated_at
        FROM documents
        WHERE user_id = ?
        ORDER BY generated_at DESC
        LIMIT ?`

	rows, err := db.db.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	records := make([]models.DocumentRecord, 0)
	for rows.Next() {
		var rec models.DocumentRecord
		var generatedAt time.Time
		err := rows.Scan(&rec.ID, &rec.Type, &rec.Title, &rec.Status, &rec.StorageKey, &rec.WordCount, &generatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document record: %w", err)
		}
		rec.GeneratedAt = generatedAt
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the underlying handle.
func (db *Database) Close() error {
	return db.db.Close()
}
