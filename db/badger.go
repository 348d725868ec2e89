package db

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/guidebazaar/studlyff-sub000/logging"
	"github.com/guidebazaar/studlyff-sub000/models"
)

const (
	driverBadger = "badger"

	// Key prefixes. Variable-length parts are uint16 length-prefixed and
	// timestamps are big-endian Unix nanoseconds so prefix scans come back
	// in creation order.
	requestPrefix      = "r/"  // r/<from><to> -> request
	requestIndexPrefix = "ri/" // ri/<to><createdAt><from> -> request
	connPrefix         = "c/"  // c/<pairKey> -> connection
	connUserPrefix     = "cu/" // cu/<user><createdAt><id> -> connection
	messagePrefix      = "m/"  // m/<pairKey><createdAt><seq> -> message

	messageSeqKey       = "seq/messages"
	messageSeqBandwidth = 100

	maxConflictRetries = 10
	deleteChunkSize    = 1000
	gcDiscardRatio     = 0.5
)

type BadgerOptions struct {
	// Path is the data directory; ignored when InMemory is set.
	Path     string
	InMemory bool
	// Logger receives badger's internal log lines. Nil routes them
	// through the process logger.
	Logger *slog.Logger
}

// BadgerStore keeps records in badger. Requests and messages carry a
// native TTL so badger drops them on its own; reads still filter on
// ExpiresAt since badger's TTL has one-second resolution.
type BadgerStore struct {
	db       *badger.DB
	seq      *badger.Sequence
	inMemory bool
	closed   atomic.Bool
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Infof is demoted: badger reports every compaction at info.
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func NewBadger(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("path is required for persistent badger store")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewSlogLogger().With(slog.String("component", "badger"))
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := bdb.GetSequence([]byte(messageSeqKey), messageSeqBandwidth)
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("badger message sequence: %w", err)
	}

	return &BadgerStore{db: bdb, seq: seq, inMemory: opts.InMemory}, nil
}

func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("release badger sequence")
	}
	return s.db.Close()
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.closed.Load() || s.db.IsClosed() {
		return ErrClosed
	}
	return ctx.Err()
}

// Keys

func appendPart(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendTime(b []byte, t time.Time) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(t.UnixNano()))
}

func requestKey(from, to string) []byte {
	return appendPart(appendPart([]byte(requestPrefix), from), to)
}

func requestIndexPrefixFor(to string) []byte {
	return appendPart([]byte(requestIndexPrefix), to)
}

func requestIndexKey(req models.ConnectionRequest) []byte {
	return appendPart(appendTime(requestIndexPrefixFor(req.To), req.CreatedAt), req.From)
}

func connKey(pairKey string) []byte {
	return appendPart([]byte(connPrefix), pairKey)
}

func connUserPrefixFor(user string) []byte {
	return appendPart([]byte(connUserPrefix), user)
}

func connUserKey(user string, c models.Connection) []byte {
	return appendPart(appendTime(connUserPrefixFor(user), c.CreatedAt), c.ID)
}

func messagePrefixFor(pairKey string) []byte {
	return appendPart([]byte(messagePrefix), pairKey)
}

func messageKey(m models.Message) []byte {
	key := appendTime(messagePrefixFor(models.PairKey(m.From, m.To)), m.CreatedAt)
	return binary.BigEndian.AppendUint64(key, m.Seq)
}

// ttlEntry rounds expiry up to whole seconds so badger never drops a
// record before it is logically expired.
func ttlEntry(key, val []byte, expiresAt time.Time) *badger.Entry {
	e := badger.NewEntry(key, val)
	secs := expiresAt.Unix()
	if expiresAt.Nanosecond() > 0 {
		secs++
	}
	if secs > 0 {
		e.ExpiresAt = uint64(secs)
	}
	return e
}

// Transactions

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return err
	}
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan decodes every value under prefix in key order.
func scan[T any](txn *badger.Txn, prefix []byte, fn func(key []byte, v T) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var v T
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return fmt.Errorf("decode %q: %w", item.Key(), err)
		}
		if err := fn(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}

func deleteRequest(txn *badger.Txn, req models.ConnectionRequest) error {
	if err := txn.Delete(requestKey(req.From, req.To)); err != nil {
		return err
	}
	return txn.Delete(requestIndexKey(req))
}

// Connection request methods

func (s *BadgerStore) CreateRequest(ctx context.Context, req models.ConnectionRequest) (err error) {
	defer observe(driverBadger, "create_request", time.Now(), &err)

	val, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		for _, key := range [][]byte{requestKey(req.From, req.To), requestKey(req.To, req.From)} {
			var existing models.ConnectionRequest
			found, err := getJSON(txn, key, &existing)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if !existing.Expired(req.CreatedAt) {
				return ErrRequestExists
			}
			if err := deleteRequest(txn, existing); err != nil {
				return err
			}
		}

		connected, err := exists(txn, connKey(models.PairKey(req.From, req.To)))
		if err != nil {
			return err
		}
		if connected {
			return ErrAlreadyConnected
		}

		if err := txn.SetEntry(ttlEntry(requestKey(req.From, req.To), val, req.ExpiresAt)); err != nil {
			return err
		}
		return txn.SetEntry(ttlEntry(requestIndexKey(req), val, req.ExpiresAt))
	})
}

func (s *BadgerStore) ListRequestsTo(ctx context.Context, userID string, now time.Time) (_ []models.ConnectionRequest, err error) {
	defer observe(driverBadger, "list_requests_to", time.Now(), &err)

	requests := []models.ConnectionRequest{}
	err = s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, requestIndexPrefixFor(userID), func(_ []byte, r models.ConnectionRequest) error {
			if !r.Expired(now) {
				requests = append(requests, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return requests, nil
}

func (s *BadgerStore) DeleteRequest(ctx context.Context, from, to string) (_ bool, err error) {
	defer observe(driverBadger, "delete_request", time.Now(), &err)

	var deleted bool
	err = s.update(ctx, func(txn *badger.Txn) error {
		deleted = false
		var req models.ConnectionRequest
		found, err := getJSON(txn, requestKey(from, to), &req)
		if err != nil || !found {
			return err
		}
		deleted = true
		return deleteRequest(txn, req)
	})
	return deleted, err
}

func (s *BadgerStore) AcceptRequest(ctx context.Context, from, to string, conn models.Connection) (err error) {
	defer observe(driverBadger, "accept_request", time.Now(), &err)

	val, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}

	repaired := false
	err = s.update(ctx, func(txn *badger.Txn) error {
		repaired = false

		var req models.ConnectionRequest
		found, err := getJSON(txn, requestKey(from, to), &req)
		if err != nil {
			return err
		}
		live := found && !req.Expired(conn.CreatedAt)

		ck := connKey(models.PairKey(from, to))
		connected, err := exists(txn, ck)
		if err != nil {
			return err
		}

		switch {
		case !live && connected:
			return ErrAlreadyConnected
		case !live:
			return ErrRequestNotFound
		}

		if err := deleteRequest(txn, req); err != nil {
			return err
		}
		if connected {
			repaired = true
			return nil
		}

		if err := txn.Set(ck, val); err != nil {
			return err
		}
		for _, user := range conn.Users {
			if err := txn.Set(connUserKey(user, conn), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && repaired {
		return ErrAlreadyConnected
	}
	return err
}

// Connection methods

func (s *BadgerStore) ConnectionExists(ctx context.Context, a, b string) (_ bool, err error) {
	defer observe(driverBadger, "connection_exists", time.Now(), &err)

	var connected bool
	err = s.view(ctx, func(txn *badger.Txn) error {
		var err error
		connected, err = exists(txn, connKey(models.PairKey(a, b)))
		return err
	})
	return connected, err
}

func (s *BadgerStore) ListConnections(ctx context.Context, userID string) (_ []models.Connection, err error) {
	defer observe(driverBadger, "list_connections", time.Now(), &err)

	connections := []models.Connection{}
	err = s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, connUserPrefixFor(userID), func(_ []byte, c models.Connection) error {
			connections = append(connections, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return connections, nil
}

// Message methods

func (s *BadgerStore) CreateMessage(ctx context.Context, msg models.Message) (_ models.Message, err error) {
	defer observe(driverBadger, "create_message", time.Now(), &err)
	if s.closed.Load() {
		return models.Message{}, ErrClosed
	}

	n, err := s.seq.Next()
	if err != nil {
		return models.Message{}, fmt.Errorf("next message sequence: %w", err)
	}
	msg.Seq = n + 1

	val, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal message: %w", err)
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(ttlEntry(messageKey(msg), val, msg.ExpiresAt))
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *BadgerStore) ListMessages(ctx context.Context, a, b string, now time.Time) (_ []models.Message, err error) {
	defer observe(driverBadger, "list_messages", time.Now(), &err)

	messages := []models.Message{}
	err = s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, messagePrefixFor(models.PairKey(a, b)), func(_ []byte, m models.Message) error {
			if !m.Expired(now) {
				messages = append(messages, m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *BadgerStore) DeleteMessages(ctx context.Context, a, b string) (_ int64, err error) {
	defer observe(driverBadger, "delete_messages", time.Now(), &err)

	var keys [][]byte
	err = s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, messagePrefixFor(models.PairKey(a, b)), func(key []byte, _ models.Message) error {
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return s.deleteKeys(ctx, keys, nil)
}

// Expiry

func (s *BadgerStore) PurgeExpired(ctx context.Context, now time.Time) (result PurgeResult, err error) {
	defer observe(driverBadger, "purge_expired", time.Now(), &err)

	var requestKeys, messageKeys [][]byte
	err = s.view(ctx, func(txn *badger.Txn) error {
		if err := scan(txn, []byte(requestPrefix), func(key []byte, r models.ConnectionRequest) error {
			if r.Expired(now) {
				requestKeys = append(requestKeys, key)
			}
			return nil
		}); err != nil {
			return err
		}
		return scan(txn, []byte(messagePrefix), func(key []byte, m models.Message) error {
			if m.Expired(now) {
				messageKeys = append(messageKeys, key)
			}
			return nil
		})
	})
	if err != nil {
		return PurgeResult{}, err
	}

	// A request key may have been reused for a fresh request since the
	// scan, so each one is re-read and only removed if still expired.
	result.Requests, err = s.deleteKeys(ctx, requestKeys, func(txn *badger.Txn, key []byte) (bool, error) {
		var req models.ConnectionRequest
		found, err := getJSON(txn, key, &req)
		if err != nil || !found || !req.Expired(now) {
			return false, err
		}
		return true, txn.Delete(requestIndexKey(req))
	})
	if err != nil {
		return result, err
	}

	result.Messages, err = s.deleteKeys(ctx, messageKeys, nil)
	if err != nil {
		return result, err
	}

	s.runGC()
	return result, nil
}

// deleteKeys removes keys in bounded transactions and counts the ones that
// still existed. check, when set, decides per key and may delete related keys.
func (s *BadgerStore) deleteKeys(ctx context.Context, keys [][]byte, check func(txn *badger.Txn, key []byte) (bool, error)) (int64, error) {
	var total int64
	for start := 0; start < len(keys); start += deleteChunkSize {
		chunk := keys[start:min(start+deleteChunkSize, len(keys))]

		var n int64
		err := s.update(ctx, func(txn *badger.Txn) error {
			n = 0
			for _, key := range chunk {
				var ok bool
				var err error
				if check != nil {
					ok, err = check(txn, key)
				} else {
					ok, err = exists(txn, key)
				}
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *BadgerStore) runGC() {
	if s.inMemory {
		return
	}
	for {
		err := s.db.RunValueLogGC(gcDiscardRatio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			logging.Warn().Err(err).Msg("badger value log GC")
		}
		return
	}
}
