package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/message"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS channels (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS inbox (
	id           TEXT PRIMARY KEY,
	date         INTEGER NOT NULL,
	channel      TEXT NOT NULL,
	subchannel   TEXT NOT NULL,
	content      TEXT NOT NULL,
	expiry       INTEGER NOT NULL DEFAULT 0,
	notification TEXT NOT NULL DEFAULT '',
	deleted      INTEGER NOT NULL DEFAULT 0,
	provider     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS outbox (
	id           TEXT PRIMARY KEY,
	date         INTEGER NOT NULL,
	channel      TEXT NOT NULL,
	subchannel   TEXT NOT NULL,
	content      TEXT NOT NULL,
	expiry       INTEGER NOT NULL DEFAULT 0,
	notification TEXT NOT NULL DEFAULT '',
	provider     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS delivery (
	inbox_id TEXT NOT NULL,
	receiver TEXT NOT NULL,
	PRIMARY KEY (inbox_id, receiver)
);
CREATE INDEX IF NOT EXISTS idx_inbox_channel ON inbox (channel, subchannel);
CREATE INDEX IF NOT EXISTS idx_outbox_date ON outbox (date);
`

type messageRow struct {
	ID           string `db:"id"`
	Date         int64  `db:"date"`
	Channel      string `db:"channel"`
	Subchannel   string `db:"subchannel"`
	Content      string `db:"content"`
	Expiry       int64  `db:"expiry"`
	Notification string `db:"notification"`
	Provider     string `db:"provider"`
}

// SQLite is the durable Store used in production. One database file per
// process; large content bodies spill into a sibling content directory.
type SQLite struct {
	db      *sqlx.DB
	content *ContentStore
	log     *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and prepares
// the schema. The content spill directory lives next to the database file.
func OpenSQLite(path string, log *zap.Logger) (*SQLite, error) {
	db, err := sqlx.Connect("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent drain and receive paths.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing schema: %w", err)
	}
	content, err := NewContentStore(filepath.Join(filepath.Dir(path), "content"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, content: content, log: log.Named("store")}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) rowFor(m *message.Message) (messageRow, error) {
	stored, err := s.content.Put(m.Content)
	if err != nil {
		return messageRow{}, err
	}
	return messageRow{
		ID:           m.ID,
		Date:         m.Date,
		Channel:      m.Channel,
		Subchannel:   m.Subchannel,
		Content:      stored,
		Expiry:       m.Expiry,
		Notification: m.Notification,
		Provider:     m.Provider,
	}, nil
}

func (s *SQLite) messageFor(r messageRow) (*message.Message, error) {
	content, err := s.content.Resolve(r.Content)
	if err != nil {
		return nil, err
	}
	return &message.Message{
		ID:           r.ID,
		Date:         r.Date,
		Channel:      r.Channel,
		Subchannel:   r.Subchannel,
		Content:      json.RawMessage(content),
		Expiry:       r.Expiry,
		Notification: r.Notification,
		Provider:     r.Provider,
	}, nil
}

// releaseContent unlinks a spilled file once no row references it. Content
// is addressed by digest, so identical bodies share one file; the file must
// outlive every inbox and outbox row that points at it.
func (s *SQLite) releaseContent(ctx context.Context, stored string) error {
	if _, ok := refName(stored); !ok {
		return nil
	}
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT (SELECT COUNT(1) FROM inbox WHERE content = ?)
		     + (SELECT COUNT(1) FROM outbox WHERE content = ?)`, stored, stored)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.content.Release(stored)
}

func (s *SQLite) messagesFor(rows []messageRow) ([]*message.Message, error) {
	out := make([]*message.Message, 0, len(rows))
	for _, r := range rows {
		m, err := s.messageFor(r)
		if err != nil {
			s.log.Warn("skipping unreadable message", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLite) AddOutboxMessage(ctx context.Context, m *message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	row, err := s.rowFor(m)
	if err != nil {
		return storeErr("add outbox", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO outbox (id, date, channel, subchannel, content, expiry, notification, provider)
		VALUES (:id, :date, :channel, :subchannel, :content, :expiry, :notification, :provider)`, row)
	return storeErr("add outbox", err)
}

func (s *SQLite) OutboxMessages(ctx context.Context) ([]*message.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, date, channel, subchannel, content, expiry, notification, provider
		FROM outbox ORDER BY date ASC, id ASC`)
	if err != nil {
		return nil, storeErr("get outbox", err)
	}
	return s.messagesFor(rows)
}

func (s *SQLite) RemoveOutboxMessage(ctx context.Context, id string) error {
	var stored string
	err := s.db.GetContext(ctx, &stored, `SELECT content FROM outbox WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storeErr("remove outbox", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return storeErr("remove outbox", err)
	}
	if err := s.releaseContent(ctx, stored); err != nil {
		s.log.Warn("releasing outbox content", zap.String("id", id), zap.Error(err))
	}
	return nil
}

func (s *SQLite) AddInboxMessage(ctx context.Context, m *message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	row, err := s.rowFor(m)
	if err != nil {
		return storeErr("add inbox", err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("add inbox", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO channels (name) VALUES (?)`, m.Channel); err != nil {
		return storeErr("add inbox", err)
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO inbox (id, date, channel, subchannel, content, expiry, notification, deleted, provider)
		VALUES (:id, :date, :channel, :subchannel, :content, :expiry, :notification, 0, :provider)`, row); err != nil {
		return storeErr("add inbox", err)
	}
	return storeErr("add inbox", tx.Commit())
}

func (s *SQLite) Message(ctx context.Context, id string) (*message.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, date, channel, subchannel, content, expiry, notification, provider
		FROM inbox WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get message", err)
	}
	return s.messageFor(row)
}

func (s *SQLite) InboxMessages(ctx context.Context, channel, subchannel string) ([]*message.Message, error) {
	q := `SELECT id, date, channel, subchannel, content, expiry, notification, provider
		FROM inbox WHERE channel = ? AND deleted = 0`
	args := []any{channel}
	if subchannel != "" {
		q += ` AND subchannel = ?`
		args = append(args, subchannel)
	}
	q += ` ORDER BY date ASC, id ASC`
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, storeErr("get inbox", err)
	}
	return s.messagesFor(rows)
}

// RemoveInboxMessage soft-deletes by default: the row keeps its id and
// addressing for receipt bookkeeping but sheds its content. Hard delete
// removes the row and its receipts.
func (s *SQLite) RemoveInboxMessage(ctx context.Context, id string, hard bool) error {
	var stored string
	err := s.db.GetContext(ctx, &stored, `SELECT content FROM inbox WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storeErr("remove inbox", err)
	}
	if hard {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return storeErr("remove inbox", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM delivery WHERE inbox_id = ?`, id); err != nil {
			return storeErr("remove inbox", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM inbox WHERE id = ?`, id); err != nil {
			return storeErr("remove inbox", err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr("remove inbox", err)
		}
	} else {
		if _, err := s.db.ExecContext(ctx, `UPDATE inbox SET deleted = 1, content = '{}' WHERE id = ?`, id); err != nil {
			return storeErr("remove inbox", err)
		}
	}
	if err := s.releaseContent(ctx, stored); err != nil {
		s.log.Warn("releasing inbox content", zap.String("id", id), zap.Error(err))
	}
	return nil
}

func (s *SQLite) undelivered(ctx context.Context, q string, args ...any) ([]*message.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, storeErr("get undelivered", err)
	}
	return s.messagesFor(rows)
}

func (s *SQLite) UndeliveredMessages(ctx context.Context, channel, subchannel, receiver string) ([]*message.Message, error) {
	q := `SELECT id, date, channel, subchannel, content, expiry, notification, provider
		FROM inbox
		WHERE channel = ? AND deleted = 0
		  AND id NOT IN (SELECT inbox_id FROM delivery WHERE receiver = ?)`
	args := []any{channel, receiver}
	if subchannel != "" {
		q += ` AND subchannel = ?`
		args = append(args, subchannel)
	}
	q += ` ORDER BY date ASC, id ASC`
	return s.undelivered(ctx, q, args...)
}

func (s *SQLite) AllUndeliveredMessages(ctx context.Context, receiver string) ([]*message.Message, error) {
	return s.undelivered(ctx, `
		SELECT id, date, channel, subchannel, content, expiry, notification, provider
		FROM inbox
		WHERE deleted = 0
		  AND id NOT IN (SELECT inbox_id FROM delivery WHERE receiver = ?)
		ORDER BY date ASC, id ASC`, receiver)
}

func (s *SQLite) AddChannel(ctx context.Context, name string) error {
	if err := message.ValidateChannel(name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO channels (name) VALUES (?)`, name)
	return storeErr("add channel", err)
}

// RemoveChannel cascades to the channel's inbox messages and their receipts.
func (s *SQLite) RemoveChannel(ctx context.Context, name string) error {
	var spilled []string
	if err := s.db.SelectContext(ctx, &spilled, `SELECT content FROM inbox WHERE channel = ?`, name); err != nil {
		return storeErr("remove channel", err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("remove channel", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM delivery WHERE inbox_id IN (SELECT id FROM inbox WHERE channel = ?)`, name); err != nil {
		return storeErr("remove channel", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM inbox WHERE channel = ?`, name); err != nil {
		return storeErr("remove channel", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE name = ?`, name); err != nil {
		return storeErr("remove channel", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("remove channel", err)
	}
	for _, stored := range spilled {
		if err := s.releaseContent(ctx, stored); err != nil {
			s.log.Warn("releasing channel content", zap.String("channel", name), zap.Error(err))
		}
	}
	return nil
}

func (s *SQLite) Channels(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, `SELECT name FROM channels ORDER BY name ASC`)
	if err != nil {
		return nil, storeErr("get channels", err)
	}
	return names, nil
}

func (s *SQLite) MessageDelivered(ctx context.Context, id, receiver string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM inbox WHERE id = ?`, id); err != nil {
		return false, storeErr("record delivery", err)
	}
	if n == 0 {
		return false, nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO delivery (inbox_id, receiver) VALUES (?, ?)`, id, receiver)
	if err != nil {
		return false, storeErr("record delivery", err)
	}
	return true, nil
}

// ClearExpiredMessages removes inbox rows whose expiry is set and in the
// past. Rows with expiry 0 never expire.
func (s *SQLite) ClearExpiredMessages(ctx context.Context) error {
	now := nowMillis()
	var spilled []string
	if err := s.db.SelectContext(ctx, &spilled, `
		SELECT content FROM inbox WHERE expiry != 0 AND expiry <= ?`, now); err != nil {
		return storeErr("clear expired", err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("clear expired", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM delivery WHERE inbox_id IN
			(SELECT id FROM inbox WHERE expiry != 0 AND expiry <= ?)`, now); err != nil {
		return storeErr("clear expired", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM inbox WHERE expiry != 0 AND expiry <= ?`, now); err != nil {
		return storeErr("clear expired", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("clear expired", err)
	}
	for _, stored := range spilled {
		if err := s.releaseContent(ctx, stored); err != nil {
			s.log.Warn("releasing expired content", zap.Error(err))
		}
	}
	return nil
}
