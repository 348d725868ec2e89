package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/guidebazaar/studlyff-sub000/models"
)

const driverSQLite = "sqlite"

// SQLiteStore keeps all three record kinds in one sqlite file.
// Timestamps are stored as Unix nanoseconds.
type SQLiteStore struct {
	conn   *sql.DB
	closed atomic.Bool
}

// NewSQLite opens (and creates if needed) the database at path.
// Transactions take the write lock up front so concurrent accepts
// serialize instead of failing on lock upgrade.
func NewSQLite(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := path + "?_foreign_keys=1&_journal_mode=WAL&_txlock=immediate&_busy_timeout=" +
		strconv.FormatInt(busyTimeout.Milliseconds(), 10)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.conn.PingContext(ctx)
}

func (s *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS connection_requests (
			id TEXT PRIMARY KEY,
			from_user TEXT NOT NULL,
			to_user TEXT NOT NULL,
			pair_key TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			pair_key TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_to ON connection_requests(to_user, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_expires ON connection_requests(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_a ON connections(user_a, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_b ON connections(user_b, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}

	return s.migrate()
}

// migrate adds columns introduced after the first schema.
func (s *SQLiteStore) migrate() error {
	// messages.pair_key replaces the two-way (sender, recipient) OR lookup.
	if !s.columnExists("messages", "pair_key") {
		if _, err := s.conn.Exec("ALTER TABLE messages ADD COLUMN pair_key TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
		if err := s.backfillMessagePairKeys(); err != nil {
			return err
		}
	}

	_, err := s.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(pair_key, created_at, seq)`)
	return err
}

func (s *SQLiteStore) backfillMessagePairKeys() error {
	rows, err := s.conn.Query("SELECT seq, sender, recipient FROM messages WHERE pair_key = ''")
	if err != nil {
		return err
	}

	type pending struct {
		seq int64
		key string
	}
	var updates []pending
	for rows.Next() {
		var seq int64
		var sender, recipient string
		if err := rows.Scan(&seq, &sender, &recipient); err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, pending{seq: seq, key: models.PairKey(sender, recipient)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := s.conn.Exec("UPDATE messages SET pair_key = ? WHERE seq = ?", u.key, u.seq); err != nil {
			return err
		}
	}
	return nil
}

// columnExists checks if a column exists in a table
func (s *SQLiteStore) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	if err := s.conn.QueryRow(query, table, column).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// withTx runs fn in a transaction, committing only if fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func pairConnected(ctx context.Context, tx *sql.Tx, pairKey string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM connections WHERE pair_key = ?", pairKey).Scan(&count)
	return count > 0, err
}

// Connection request methods

func (s *SQLiteStore) CreateRequest(ctx context.Context, req models.ConnectionRequest) (err error) {
	defer observe(driverSQLite, "create_request", time.Now(), &err)

	pairKey := models.PairKey(req.From, req.To)
	now := req.CreatedAt.UnixNano()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Expired leftovers would otherwise trip the unique pair_key.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM connection_requests WHERE pair_key = ? AND expires_at <= ?", pairKey, now); err != nil {
			return err
		}

		var pending int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM connection_requests WHERE pair_key = ?", pairKey).Scan(&pending); err != nil {
			return err
		}
		if pending > 0 {
			return ErrRequestExists
		}

		connected, err := pairConnected(ctx, tx, pairKey)
		if err != nil {
			return err
		}
		if connected {
			return ErrAlreadyConnected
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO connection_requests (id, from_user, to_user, pair_key, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			req.ID, req.From, req.To, pairKey, now, req.ExpiresAt.UnixNano())
		if isUniqueViolation(err) {
			return ErrRequestExists
		}
		return err
	})
}

func (s *SQLiteStore) ListRequestsTo(ctx context.Context, userID string, now time.Time) (_ []models.ConnectionRequest, err error) {
	defer observe(driverSQLite, "list_requests_to", time.Now(), &err)
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, from_user, to_user, created_at, expires_at
		 FROM connection_requests
		 WHERE to_user = ? AND expires_at > ?
		 ORDER BY created_at ASC, id ASC`,
		userID, now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := []models.ConnectionRequest{}
	for rows.Next() {
		var r models.ConnectionRequest
		var createdAt, expiresAt int64
		if err := rows.Scan(&r.ID, &r.From, &r.To, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		r.CreatedAt = fromNanos(createdAt)
		r.ExpiresAt = fromNanos(expiresAt)
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func (s *SQLiteStore) DeleteRequest(ctx context.Context, from, to string) (_ bool, err error) {
	defer observe(driverSQLite, "delete_request", time.Now(), &err)
	if s.closed.Load() {
		return false, ErrClosed
	}

	result, err := s.conn.ExecContext(ctx,
		"DELETE FROM connection_requests WHERE from_user = ? AND to_user = ?", from, to)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func (s *SQLiteStore) AcceptRequest(ctx context.Context, from, to string, conn models.Connection) (err error) {
	defer observe(driverSQLite, "accept_request", time.Now(), &err)

	pairKey := models.PairKey(from, to)
	repaired := false

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		repaired = false

		result, err := tx.ExecContext(ctx,
			"DELETE FROM connection_requests WHERE from_user = ? AND to_user = ? AND expires_at > ?",
			from, to, conn.CreatedAt.UnixNano())
		if err != nil {
			return err
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return err
		}

		connected, err := pairConnected(ctx, tx, pairKey)
		if err != nil {
			return err
		}

		switch {
		case removed == 0 && connected:
			return ErrAlreadyConnected
		case removed == 0:
			return ErrRequestNotFound
		case connected:
			// Request left behind next to an existing connection: drop it.
			repaired = true
			return nil
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO connections (id, user_a, user_b, pair_key, created_at) VALUES (?, ?, ?, ?, ?)",
			conn.ID, conn.Users[0], conn.Users[1], pairKey, conn.CreatedAt.UnixNano())
		if isUniqueViolation(err) {
			return ErrAlreadyConnected
		}
		return err
	})
	if err == nil && repaired {
		return ErrAlreadyConnected
	}
	return err
}

// Connection methods

func (s *SQLiteStore) ConnectionExists(ctx context.Context, a, b string) (_ bool, err error) {
	defer observe(driverSQLite, "connection_exists", time.Now(), &err)
	if s.closed.Load() {
		return false, ErrClosed
	}

	var count int
	err = s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM connections WHERE pair_key = ?", models.PairKey(a, b)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) ListConnections(ctx context.Context, userID string) (_ []models.Connection, err error) {
	defer observe(driverSQLite, "list_connections", time.Now(), &err)
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, user_a, user_b, created_at FROM connections
		 WHERE user_a = ? OR user_b = ?
		 ORDER BY created_at ASC, id ASC`,
		userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	connections := []models.Connection{}
	for rows.Next() {
		var c models.Connection
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Users[0], &c.Users[1], &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = fromNanos(createdAt)
		connections = append(connections, c)
	}
	return connections, rows.Err()
}

// Message methods

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg models.Message) (_ models.Message, err error) {
	defer observe(driverSQLite, "create_message", time.Now(), &err)
	if s.closed.Load() {
		return models.Message{}, ErrClosed
	}

	result, err := s.conn.ExecContext(ctx,
		`INSERT INTO messages (id, sender, recipient, pair_key, text, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, models.PairKey(msg.From, msg.To), msg.Text,
		msg.CreatedAt.UnixNano(), msg.ExpiresAt.UnixNano())
	if err != nil {
		return models.Message{}, err
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return models.Message{}, err
	}
	msg.Seq = uint64(seq)
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, a, b string, now time.Time) (_ []models.Message, err error) {
	defer observe(driverSQLite, "list_messages", time.Now(), &err)
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, id, sender, recipient, text, created_at, expires_at
		 FROM messages
		 WHERE pair_key = ? AND expires_at > ?
		 ORDER BY created_at ASC, seq ASC`,
		models.PairKey(a, b), now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var seq, createdAt, expiresAt int64
		if err := rows.Scan(&seq, &m.ID, &m.From, &m.To, &m.Text, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		m.Seq = uint64(seq)
		m.CreatedAt = fromNanos(createdAt)
		m.ExpiresAt = fromNanos(expiresAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) DeleteMessages(ctx context.Context, a, b string) (_ int64, err error) {
	defer observe(driverSQLite, "delete_messages", time.Now(), &err)
	if s.closed.Load() {
		return 0, ErrClosed
	}

	result, err := s.conn.ExecContext(ctx, "DELETE FROM messages WHERE pair_key = ?", models.PairKey(a, b))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Expiry

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (result PurgeResult, err error) {
	defer observe(driverSQLite, "purge_expired", time.Now(), &err)

	cutoff := now.UnixNano()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM connection_requests WHERE expires_at <= ?", cutoff)
		if err != nil {
			return err
		}
		if result.Requests, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE expires_at <= ?", cutoff)
		if err != nil {
			return err
		}
		result.Messages, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return PurgeResult{}, err
	}
	return result, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
