package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
)

// LibSQLStore implements TranscriptStore and ContactStore on libsql.
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore creates a store over an already migrated database.
func NewLibSQLStore(db *sql.DB) *LibSQLStore {
	return &LibSQLStore{db: db, now: time.Now}
}

const turnColumns = `seq, id, contact_id, actor, text, timestamp`

// Append saves a turn. Appending an id that is already stored returns the
// stored turn unchanged, so webhook re-deliveries do not duplicate history.
func (s *LibSQLStore) Append(ctx context.Context, turn ports.Turn) (ports.Turn, error) {
	if turn.ContactID == "" || turn.ID == "" {
		return ports.Turn{}, fmt.Errorf("turn requires id and contact id")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}

	query := `
		INSERT INTO turns (id, contact_id, actor, text, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
		RETURNING seq
	`

	err := s.db.QueryRowContext(ctx, query,
		turn.ID, turn.ContactID, turn.Actor.String(), turn.Text, turn.Timestamp.UnixNano(),
	).Scan(&turn.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return s.turnByID(ctx, turn.ID)
	}
	if err != nil {
		return ports.Turn{}, &ports.StorageError{Op: "append turn", Err: err}
	}

	return turn, nil
}

// Latest returns the newest turn of the given actor for a contact.
func (s *LibSQLStore) Latest(ctx context.Context, contactID string, actor ports.Actor) (ports.Turn, bool, error) {
	query := `
		SELECT ` + turnColumns + ` FROM turns
		WHERE contact_id = ? AND actor = ?
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1
	`

	turn, err := scanTurn(s.db.QueryRowContext(ctx, query, contactID, actor.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Turn{}, false, nil
	}
	if err != nil {
		return ports.Turn{}, false, &ports.StorageError{Op: "latest turn", Err: err}
	}
	return turn, true, nil
}

// History returns up to limit turns for a contact, newest first.
func (s *LibSQLStore) History(ctx context.Context, contactID string, limit int) ([]ports.Turn, error) {
	query := `
		SELECT ` + turnColumns + ` FROM turns
		WHERE contact_id = ?
		ORDER BY timestamp DESC, seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, contactID, limit)
	if err != nil {
		return nil, &ports.StorageError{Op: "query history", Err: err}
	}
	defer rows.Close()

	turns := make([]ports.Turn, 0, min(limit, 64))
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, &ports.StorageError{Op: "scan turn", Err: err}
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, &ports.StorageError{Op: "iterate history", Err: err}
	}

	return turns, nil
}

func (s *LibSQLStore) turnByID(ctx context.Context, id string) (ports.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE id = ?`
	turn, err := scanTurn(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return ports.Turn{}, &ports.StorageError{Op: "read turn", Err: err}
	}
	return turn, nil
}

// EnsureContact creates the contact unless it already exists.
func (s *LibSQLStore) EnsureContact(ctx context.Context, contact ports.Contact) (ports.Contact, bool, error) {
	if contact.ID == "" {
		return ports.Contact{}, false, fmt.Errorf("contact id is empty")
	}
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, contact.ID, contact.Name, contact.CreatedAt.UnixNano())
	if err != nil {
		return ports.Contact{}, false, &ports.StorageError{Op: "insert contact", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return ports.Contact{}, false, &ports.StorageError{Op: "insert contact", Err: err}
	}

	stored, ok, err := s.GetContact(ctx, contact.ID)
	if err != nil {
		return ports.Contact{}, false, err
	}
	if !ok {
		return ports.Contact{}, false, &ports.StorageError{Op: "insert contact", Err: fmt.Errorf("contact %s vanished", contact.ID)}
	}
	return stored, affected == 1, nil
}

// GetContact reads a contact by id.
func (s *LibSQLStore) GetContact(ctx context.Context, id string) (ports.Contact, bool, error) {
	var (
		c         ports.Contact
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Contact{}, false, nil
	}
	if err != nil {
		return ports.Contact{}, false, &ports.StorageError{Op: "read contact", Err: err}
	}
	c.CreatedAt = time.Unix(0, createdAt)
	return c, true, nil
}

// Ping checks that the database is reachable.
func (s *LibSQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &ports.StorageError{Op: "ping", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (ports.Turn, error) {
	var (
		turn  ports.Turn
		actor string
		ts    int64
	)
	if err := row.Scan(&turn.Seq, &turn.ID, &turn.ContactID, &actor, &turn.Text, &ts); err != nil {
		return ports.Turn{}, err
	}
	a, err := ports.ParseActor(actor)
	if err != nil {
		return ports.Turn{}, err
	}
	turn.Actor = a
	turn.Timestamp = time.Unix(0, ts)
	return turn, nil
}

// Ensure LibSQLStore implements the store interfaces.
var (
	_ ports.TranscriptStore = (*LibSQLStore)(nil)
	_ ports.ContactStore    = (*LibSQLStore)(nil)
)
