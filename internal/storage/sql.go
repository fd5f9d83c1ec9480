package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairrelay/internal/models"
)

// SQLStore persists sessions in relay_sessions/relay_messages. It works with
// both the sqlite3 and mysql drivers; all statements use ? placeholders.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Load(ctx context.Context, id string) (*models.Session, error) {
	var (
		se           models.Session
		createdAt    int64
		lastActivity int64
		reaped       int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, write_key, read_key, created_at, last_activity, version, reaped FROM relay_sessions WHERE id = ?`, id,
	).Scan(&se.ID, &se.WriteKey, &se.ReadKey, &createdAt, &lastActivity, &se.Version, &reaped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	se.CreatedAt = fromMillis(createdAt)
	se.LastActivity = fromMillis(lastActivity)
	se.Reaped = reaped != 0

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, body, created_at FROM relay_messages WHERE session_id = ? ORDER BY seq ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	se.Messages = make([]*models.Message, 0)
	for rows.Next() {
		var (
			m    models.Message
			body string
			ts   int64
		)
		if err := rows.Scan(&m.Seq, &body, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Body = []byte(body)
		m.Timestamp = fromMillis(ts)
		se.Messages = append(se.Messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &se, nil
}

func (s *SQLStore) Create(ctx context.Context, se *models.Session) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	exists, err := sessionExists(ctx, tx, se.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO relay_sessions (id, write_key, read_key, created_at, last_activity, version, reaped) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		se.ID, se.WriteKey, se.ReadKey, toMillis(se.CreatedAt), toMillis(se.LastActivity), se.Version, boolInt(se.Reaped),
	)
	if err != nil {
		// a concurrent creator may have won the primary key
		tx.Rollback()
		if _, loadErr := s.Load(ctx, se.ID); loadErr == nil {
			return false, nil
		}
		return false, fmt.Errorf("create session: %w", err)
	}
	if err := insertMessages(ctx, tx, se.ID, se.Messages, 0); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit session: %w", err)
	}
	return true, nil
}

func (s *SQLStore) Update(ctx context.Context, se *models.Session, expectVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE relay_sessions SET write_key = ?, read_key = ?, last_activity = ?, version = ?, reaped = ? WHERE id = ? AND version = ?`,
		se.WriteKey, se.ReadKey, toMillis(se.LastActivity), se.Version, boolInt(se.Reaped), se.ID, expectVersion,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		exists, err := sessionExists(ctx, tx, se.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if se.Reaped {
		if _, err := tx.ExecContext(ctx, `DELETE FROM relay_messages WHERE session_id = ?`, se.ID); err != nil {
			return fmt.Errorf("drop messages: %w", err)
		}
	} else {
		var maxSeq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM relay_messages WHERE session_id = ?`, se.ID,
		).Scan(&maxSeq); err != nil {
			return fmt.Errorf("max seq: %w", err)
		}
		if err := insertMessages(ctx, tx, se.ID, se.Messages, maxSeq); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

func (s *SQLStore) Expired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM relay_sessions WHERE reaped = 0 AND last_activity < ?`, toMillis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func sessionExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM relay_sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup session: %w", err)
	}
	return true, nil
}

// insertMessages writes the messages with seq greater than after.
func insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, messages []*models.Message, after int64) error {
	for _, m := range messages {
		if m.Seq <= after {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relay_messages (session_id, seq, body, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, m.Seq, string(m.Body), toMillis(m.Timestamp),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
