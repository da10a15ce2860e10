package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLStore persists audit entries through database/sql. It works
// against SQLite and Postgres via their standard drivers.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	seq INTEGER PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	payload TEXT,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, auditSchema)
	return err
}

// Save inserts one entry. The primary key on seq makes a replayed
// append fail instead of forking the persisted chain.
func (s *SQLStore) Save(entry Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload for entry %d: %w", entry.Seq, err)
	}
	query := `
		INSERT INTO audit_entries (seq, timestamp, kind, subject, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.Exec(query,
		entry.Seq, entry.Timestamp, string(entry.Kind), entry.Subject, string(payload), entry.PrevHash, entry.Hash,
	)
	return err
}

// Load reads the full chain back in sequence order, ready for
// VerifyChain.
func (s *SQLStore) Load(ctx context.Context) ([]Entry, error) {
	query := `SELECT seq, timestamp, kind, subject, payload, prev_hash, hash FROM audit_entries ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var kind, payload string
		if err := rows.Scan(&entry.Seq, &entry.Timestamp, &kind, &entry.Subject, &payload, &entry.PrevHash, &entry.Hash); err != nil {
			return nil, err
		}
		entry.Kind = Kind(kind)
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
				return nil, fmt.Errorf("audit: unmarshal payload for entry %d: %w", entry.Seq, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
