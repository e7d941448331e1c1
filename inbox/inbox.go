// Package inbox keeps every message the receiver completes in a SQLite
// database, so transfers survive the process and can be listed later.
package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/user/btle-transfer/central"
	"github.com/user/btle-transfer/util"
	"google.golang.org/protobuf/types/known/structpb"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown id
var ErrNotFound = errors.New("inbox: message not found")

// Record is one stored message
type Record struct {
	ID         string    `json:"id" yaml:"id"`
	Endpoint   string    `json:"endpoint" yaml:"endpoint"`
	Sender     string    `json:"sender,omitempty" yaml:"sender,omitempty"`
	Body       string    `json:"body" yaml:"body"`
	Chunks     int       `json:"chunks" yaml:"chunks"`
	Bytes      int       `json:"bytes" yaml:"bytes"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
}

// Duration is how long the transfer took from subscription to EOM
func (r *Record) Duration() time.Duration {
	return r.ReceivedAt.Sub(r.StartedAt)
}

// Struct renders the record for protojson output
func (r *Record) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"id":          r.ID,
		"endpoint":    r.Endpoint,
		"sender":      r.Sender,
		"body":        r.Body,
		"chunks":      r.Chunks,
		"bytes":       r.Bytes,
		"started_at":  r.StartedAt.Format(time.RFC3339Nano),
		"received_at": r.ReceivedAt.Format(time.RFC3339Nano),
	})
}

// Store is the message database
type Store struct {
	db *sql.DB
}

// DefaultPath is the inbox inside the data directory
func DefaultPath() string {
	return util.DataPath("inbox.db")
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The receiver writes while `inbox list` reads from another process
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			endpoint    TEXT NOT NULL,
			sender      TEXT NOT NULL DEFAULT '',
			body        BLOB NOT NULL,
			chunks      INTEGER NOT NULL,
			bytes       INTEGER NOT NULL,
			started_at  INTEGER NOT NULL,
			received_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);
	`)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a completed message and returns its record
func (s *Store) Save(ctx context.Context, msg central.Message) (*Record, error) {
	r := &Record{
		ID:         msg.SessionID.String(),
		Body:       string(msg.Data),
		Chunks:     msg.Chunks,
		Bytes:      len(msg.Data),
		StartedAt:  msg.Started,
		ReceivedAt: msg.Finished,
	}
	if msg.SessionID == uuid.Nil {
		r.ID = uuid.NewString()
	}
	if msg.Endpoint != nil {
		r.Endpoint = msg.Endpoint.ID
		r.Sender = msg.Endpoint.Name
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.ReceivedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, endpoint, sender, body, chunks, bytes, started_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Endpoint, r.Sender, msg.Data, r.Chunks, r.Bytes,
		r.StartedAt.UnixNano(), r.ReceivedAt.UnixNano())
	if err != nil {
		return nil, errors.Wrapf(err, "save message %s", r.ID)
	}
	return r, nil
}

// List returns the newest messages first. limit <= 0 returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	query := `SELECT id, endpoint, sender, body, chunks, bytes, started_at, received_at
		FROM messages ORDER BY received_at DESC, id`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, errors.Wrap(rows.Err(), "list messages")
}

// Get returns one message by id
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, endpoint, sender, body, chunks, bytes, started_at, received_at
		FROM messages WHERE id = ?`, id)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return r, err
}

// Count returns how many messages are stored
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n)
	return n, errors.Wrap(err, "count messages")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (*Record, error) {
	var (
		r                 Record
		body              []byte
		started, received int64
	)
	if err := row.Scan(&r.ID, &r.Endpoint, &r.Sender, &body, &r.Chunks, &r.Bytes, &started, &received); err != nil {
		return nil, err
	}
	r.Body = string(body)
	r.StartedAt = time.Unix(0, started)
	r.ReceivedAt = time.Unix(0, received)
	return &r, nil
}

// Output saves every completed message, logging through onErr when a
// write fails. It plugs into central.New as the receiver's output.
func (s *Store) Output(onSaved func(*Record), onErr func(error)) central.Output {
	return central.OutputFunc(func(msg central.Message) {
		r, err := s.Save(context.Background(), msg)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		if onSaved != nil {
			onSaved(r)
		}
	})
}
