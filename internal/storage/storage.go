// Package storage provides SQLite-backed persistence for the session and notification history.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/auctionsync/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db               *sql.DB
	maxNotifications int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/auctionsync/data.db.
func New(maxNotifications int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "auctionsync", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxNotifications: maxNotifications}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			token       TEXT NOT NULL,
			user_id     TEXT,
			username    TEXT NOT NULL,
			email       TEXT,
			saved_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id              TEXT PRIMARY KEY,
			source_event_id TEXT,
			message         TEXT NOT NULL,
			category        TEXT NOT NULL,
			auction_id      TEXT,
			created_at      INTEGER NOT NULL,
			read            INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_created_at ON notifications(created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession replaces the stored session.
func (s *Storage) SaveSession(sess models.Session) error {
	if sess.Token == "" {
		return errors.New("session token must not be empty")
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO session (id, token, user_id, username, email, saved_at)
		VALUES (1,?,?,?,?,?)`,
		sess.Token, sess.User.ID, sess.User.Username, sess.User.Email, sess.SavedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session or ErrNotFound.
func (s *Storage) LoadSession() (models.Session, error) {
	var sess models.Session
	var userID, email sql.NullString
	var savedAtNano int64
	err := s.db.QueryRow(`SELECT token, user_id, username, email, saved_at FROM session WHERE id = 1`).
		Scan(&sess.Token, &userID, &sess.User.Username, &email, &savedAtNano)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	sess.User.ID = userID.String
	sess.User.Email = email.String
	sess.SavedAt = time.Unix(0, savedAtNano)
	return sess, nil
}

// ClearSession removes the stored session.
func (s *Storage) ClearSession() error {
	if _, err := s.db.Exec(`DELETE FROM session`); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// SaveNotification inserts or replaces one item and keeps only the newest maxNotifications.
func (s *Storage) SaveNotification(item models.NotificationItem) error {
	if item.ID == "" {
		return errors.New("notification ID must not be empty")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO notifications
			(id, source_event_id, message, category, auction_id, created_at, read)
		VALUES (?,?,?,?,?,?,?)`,
		item.ID, item.SourceEventID, item.Message, string(item.Category), item.AuctionID,
		item.CreatedAt.UnixNano(), boolToInt(item.Read),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	if _, err = tx.Exec(`
		DELETE FROM notifications WHERE id NOT IN (
			SELECT id FROM notifications ORDER BY created_at DESC LIMIT ?
		)`, s.maxNotifications); err != nil {
		return fmt.Errorf("failed to enforce notification cap: %w", err)
	}

	return tx.Commit()
}

// MarkNotificationRead marks one stored item read.
func (s *Storage) MarkNotificationRead(id string) error {
	res, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAllNotificationsRead marks every stored item read.
func (s *Storage) MarkAllNotificationsRead() error {
	if _, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE read = 0`); err != nil {
		return fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return nil
}

// RecentNotifications returns up to limit items, newest first.
func (s *Storage) RecentNotifications(limit int) ([]models.NotificationItem, error) {
	rows, err := s.db.Query(`
		SELECT id, source_event_id, message, category, auction_id, created_at, read
		FROM notifications ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	items := []models.NotificationItem{}
	for rows.Next() {
		var it models.NotificationItem
		var sourceID, auctionID sql.NullString
		var category string
		var createdAtNano int64
		var read int
		if err := rows.Scan(&it.ID, &sourceID, &it.Message, &category, &auctionID, &createdAtNano, &read); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		it.SourceEventID = sourceID.String
		it.AuctionID = auctionID.String
		it.Category = models.Category(category)
		it.CreatedAt = time.Unix(0, createdAtNano)
		it.Read = read != 0
		items = append(items, it)
	}
	return items, rows.Err()
}

// ClearNotifications deletes the stored history, e.g. on logout.
func (s *Storage) ClearNotifications() error {
	if _, err := s.db.Exec(`DELETE FROM notifications`); err != nil {
		return fmt.Errorf("failed to clear notifications: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
