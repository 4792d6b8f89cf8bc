package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Participant statuses.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusOffline = "offline"
)

// Store wraps the SQLite handle and exposes the session, participant and
// message tables used by the chat service.
type Store struct {
	db *sql.DB
}

// Session is a row in the sessions table.
type Session struct {
	ID         string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastActive time.Time
}

// Participant is a member of a session.
type Participant struct {
	SessionID  string
	UserID     string
	Username   string
	Status     string
	JoinedAt   time.Time
	LastActive time.Time
}

// MessageRecord is a persisted message. Binary payloads never reach this type.
type MessageRecord struct {
	Key           string
	SessionID     string
	ID            string
	Sender        string
	SenderName    string
	Text          string
	Type          string
	Timestamp     int64
	FileName      string
	FileSize      int64
	FileType      string
	Duration      float64
	AttachmentKey string
}

// Attachment is metadata for a blob kept in object storage.
type Attachment struct {
	Key         string
	SessionID   string
	Name        string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// SweepResult reports what a cleanup pass removed.
type SweepResult struct {
	SessionIDs      []string
	MessagesDeleted int64
	// OrphanKeys are attachment keys no remaining session refers to. Their
	// blobs can be removed.
	OrphanKeys []string
}

// ErrSessionNotFound is returned when writing into a session that does not exist.
var ErrSessionNotFound = errors.New("session not found")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "huddle.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			last_active INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS participants (
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL,
			status TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			last_active INTEGER NOT NULL,
			PRIMARY KEY (session_id, user_id),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			push_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			id TEXT NOT NULL,
			sender TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			ts INTEGER NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			file_size INTEGER NOT NULL DEFAULT 0,
			file_type TEXT NOT NULL DEFAULT '',
			duration REAL NOT NULL DEFAULT 0,
			attachment_key TEXT NOT NULL DEFAULT '',
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, ts);`,
		`CREATE TABLE IF NOT EXISTS attachments (
			key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (key, session_id),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EnsureSession creates the session if it does not exist yet and marks it
// active at now. An existing session keeps its createdAt and expiresAt.
func (s *Store) EnsureSession(ctx context.Context, id string, now time.Time, ttl time.Duration) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	ms := now.UnixMilli()
	if _, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions(id, created_at, expires_at, last_active) VALUES(?, ?, ?, ?)`,
		id, ms, now.Add(ttl).UnixMilli(), ms); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE sessions SET last_active=? WHERE id=?`, ms, id); err != nil {
		return nil, err
	}
	var sess *Session
	if sess, err = scanSession(tx.QueryRowContext(ctx, `SELECT id, created_at, expires_at, last_active FROM sessions WHERE id = ?`, id)); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns a session if it exists.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT id, created_at, expires_at, last_active FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		sess                         Session
		created, expires, lastActive int64
	)
	if err := row.Scan(&sess.ID, &created, &expires, &lastActive); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.ExpiresAt = time.UnixMilli(expires).UTC()
	sess.LastActive = time.UnixMilli(lastActive).UTC()
	return &sess, nil
}

// UpsertParticipant inserts the participant or refreshes its username, status
// and lastActive. joinedAt is kept from the first join.
func (s *Store) UpsertParticipant(ctx context.Context, p Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants(session_id, user_id, username, status, joined_at, last_active)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, user_id) DO UPDATE SET
			username=excluded.username,
			status=excluded.status,
			last_active=excluded.last_active
	`, p.SessionID, p.UserID, p.Username, p.Status, p.JoinedAt.UnixMilli(), p.LastActive.UnixMilli())
	if isConstraintError(err) {
		return ErrSessionNotFound
	}
	return err
}

// SetParticipantStatus flips a participant's status and stamps lastActive.
func (s *Store) SetParticipantStatus(ctx context.Context, sessionID, userID, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE participants SET status=?, last_active=? WHERE session_id=? AND user_id=?`,
		status, at.UnixMilli(), sessionID, userID)
	return err
}

// ListParticipants returns the members of a session ordered by join time.
func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, username, status, joined_at, last_active
		FROM participants
		WHERE session_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		var (
			p                  Participant
			joined, lastActive int64
		)
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.Username, &p.Status, &joined, &lastActive); err != nil {
			return nil, err
		}
		p.JoinedAt = time.UnixMilli(joined).UTC()
		p.LastActive = time.UnixMilli(lastActive).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendMessage adds a message to the session log and returns its push key.
// When rec.ID is empty the push key doubles as the message id.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, rec MessageRecord) (string, error) {
	key, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	pushKey := key.String()
	if rec.ID == "" {
		rec.ID = pushKey
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages(push_key, session_id, id, sender, sender_name, body, type, ts,
			file_name, file_size, file_type, duration, attachment_key)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pushKey, sessionID, rec.ID, rec.Sender, rec.SenderName, rec.Text, rec.Type, rec.Timestamp,
		rec.FileName, rec.FileSize, rec.FileType, rec.Duration, rec.AttachmentKey)
	if err != nil {
		if isConstraintError(err) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	return pushKey, nil
}

// ListMessages returns the full message log of a session ordered by timestamp.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT push_key, session_id, id, sender, sender_name, body, type, ts,
			file_name, file_size, file_type, duration, attachment_key
		FROM messages
		WHERE session_id = ?
		ORDER BY ts ASC, push_key ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.Key, &m.SessionID, &m.ID, &m.Sender, &m.SenderName, &m.Text, &m.Type, &m.Timestamp,
			&m.FileName, &m.FileSize, &m.FileType, &m.Duration, &m.AttachmentKey); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutAttachment records attachment metadata. Storing the same content twice in
// a session is not an error.
func (s *Store) PutAttachment(ctx context.Context, a Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO attachments(key, session_id, name, content_type, size, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, a.Key, a.SessionID, a.Name, a.ContentType, a.Size, a.CreatedAt.UnixMilli())
	if isConstraintError(err) {
		return ErrSessionNotFound
	}
	return err
}

// GetAttachment looks up attachment metadata by content key in any session.
func (s *Store) GetAttachment(ctx context.Context, key string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, session_id, name, content_type, size, created_at
		FROM attachments WHERE key = ?
		ORDER BY created_at DESC LIMIT 1
	`, key)
	var (
		a       Attachment
		created int64
	)
	if err := row.Scan(&a.Key, &a.SessionID, &a.Name, &a.ContentType, &a.Size, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	return &a, nil
}

// Sweep deletes sessions whose lastActive is before cutoff, along with their
// participants, messages and attachment rows, and prunes messages older than
// cutoff from the sessions that survive. Attachment keys left without any row
// are reported in OrphanKeys.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (*SweepResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	ms := cutoff.UnixMilli()
	var rows *sql.Rows
	if rows, err = tx.QueryContext(ctx, `SELECT id FROM sessions WHERE last_active < ? ORDER BY id`, ms); err != nil {
		return nil, err
	}
	result := &SweepResult{}
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		result.SessionIDs = append(result.SessionIDs, id)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	var candidates []string
	if candidates, err = expiredAttachmentKeys(ctx, tx, ms); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_active < ?`, ms); err != nil {
		return nil, err
	}
	for _, key := range candidates {
		var n int
		if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM attachments WHERE key = ?`, key).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			result.OrphanKeys = append(result.OrphanKeys, key)
		}
	}
	var res sql.Result
	if res, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, ms); err != nil {
		return nil, err
	}
	if result.MessagesDeleted, err = res.RowsAffected(); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func expiredAttachmentKeys(ctx context.Context, tx *sql.Tx, cutoff int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT a.key FROM attachments a
		JOIN sessions s ON s.id = a.session_id
		WHERE s.last_active < ?
		ORDER BY a.key
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// extended result codes keep the primary code in the low byte
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
