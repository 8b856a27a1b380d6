// Package store provides the local durable store for the offline sync engine.
//
// The store is an indexed key-value collection abstraction on top of embedded
// SQLite (ncruces/go-sqlite3, WAL mode). Each named collection is a table of
// JSON documents keyed by string; declared index fields become expression
// indexes over json_extract so lookups like "syncMeta.synced = false" or
// "status = pending" stay cheap.
//
// Layout:
//   - Database file: .possync/possync.db (configurable)
//   - WAL mode: readers never block the sync worker
//   - _collections: registry of declared collections and their indexes
//   - one table per collection: (key, value JSON, updated_at)
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tiendapos/possync/internal/offline"
)

var (
	collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	indexFieldRe     = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)
)

// CollectionSpec declares a collection and the document fields it indexes.
type CollectionSpec struct {
	Name    string
	Indexes []string
}

// Record is a raw document read from a collection.
type Record struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the document into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Value, v); err != nil {
		return fmt.Errorf("failed to decode record %s: %w", r.Key, err)
	}
	return nil
}

// Store wraps the SQLite connection with collection semantics.
type Store struct {
	conn *sql.DB
	path string

	mu          sync.RWMutex
	initialized bool
	specs       map[string]CollectionSpec
}

// Open opens (or creates) the store at path.
//
// Opening does not create collections; call Init with the collection specs.
// A store that was initialized by a previous process is detected through the
// _collections registry and reports Initialized() == true.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	path = strings.TrimPrefix(path, "file:")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// busy_timeout is per connection, so it goes in the DSN rather than a
	// one-off PRAGMA. Immediate transactions avoid lock upgrade deadlocks
	// between concurrent writers.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(normal)" +
		"&_txlock=immediate"

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:  conn,
		path:  path,
		specs: make(map[string]CollectionSpec),
	}

	if err := s.loadRegistry(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the store after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// Initialized reports whether Init has completed for this database.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Init creates the registry and every collection in specs. It is idempotent
// and also recreates collections that went missing.
func (s *Store) Init(specs []CollectionSpec) error {
	return s.InitContext(context.Background(), specs)
}

// InitContext creates the collections with context support.
func (s *Store) InitContext(ctx context.Context, specs []CollectionSpec) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return offline.Storage("init", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	registry := `
	CREATE TABLE IF NOT EXISTS _collections (
		name TEXT PRIMARY KEY,
		indexes TEXT NOT NULL,  -- JSON array of indexed fields
		created_at TEXT NOT NULL
	)`
	if _, err := tx.ExecContext(ctx, registry); err != nil {
		return offline.Storage("init", fmt.Errorf("failed to create registry: %w", err))
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, spec := range specs {
		if err := createCollection(ctx, tx, spec); err != nil {
			return err
		}
		indexesJSON, _ := json.Marshal(spec.Indexes)
		_, err := tx.ExecContext(ctx, `
		INSERT INTO _collections (name, indexes, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET indexes = excluded.indexes`,
			spec.Name, string(indexesJSON), now)
		if err != nil {
			return offline.Storage("init", fmt.Errorf("failed to register collection %s: %w", spec.Name, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return offline.Storage("init", fmt.Errorf("failed to commit schema: %w", err))
	}

	s.mu.Lock()
	s.initialized = true
	for _, spec := range specs {
		s.specs[spec.Name] = spec
	}
	s.mu.Unlock()

	return nil
}

func createCollection(ctx context.Context, tx *sql.Tx, spec CollectionSpec) error {
	if !collectionNameRe.MatchString(spec.Name) {
		return offline.Storage("init", fmt.Errorf("invalid collection name %q", spec.Name))
	}

	table := quoteIdent(spec.Name)
	stmt := `CREATE TABLE IF NOT EXISTS ` + table + ` (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return offline.Storage("init", fmt.Errorf("failed to create collection %s: %w", spec.Name, err))
	}

	for _, field := range spec.Indexes {
		if !indexFieldRe.MatchString(field) {
			return offline.Storage("init", fmt.Errorf("invalid index field %q on %s", field, spec.Name))
		}
		idx := quoteIdent("idx_" + spec.Name + "_" + strings.ReplaceAll(field, ".", "_"))
		stmt := `CREATE INDEX IF NOT EXISTS ` + idx + ` ON ` + table + `(` + jsonPath(field) + `)`
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return offline.Storage("init", fmt.Errorf("failed to index %s.%s: %w", spec.Name, field, err))
		}
	}
	return nil
}

// loadRegistry marks the store initialized when a previous process already
// created the schema.
func (s *Store) loadRegistry(ctx context.Context) error {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = '_collections'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if n == 0 {
		return nil
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT name, indexes FROM _collections`)
	if err != nil {
		return fmt.Errorf("failed to read collection registry: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var spec CollectionSpec
		var indexesJSON string
		if err := rows.Scan(&spec.Name, &indexesJSON); err != nil {
			return fmt.Errorf("failed to scan collection registry: %w", err)
		}
		_ = json.Unmarshal([]byte(indexesJSON), &spec.Indexes)
		s.specs[spec.Name] = spec
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating collection registry: %w", err)
	}
	s.initialized = true
	return nil
}

// StoreExists reports whether the named collection exists on disk.
func (s *Store) StoreExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, offline.Storage("exists", fmt.Errorf("failed to inspect schema: %w", err))
	}
	return n > 0, nil
}

// CheckCollection returns a *CollectionError when name is not usable.
func (s *Store) CheckCollection(ctx context.Context, name string) error {
	ok, err := s.StoreExists(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.missing(name)
}

// Collections lists the user collections present on disk.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT name FROM sqlite_master
	WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE '\_%' ESCAPE '\'
	ORDER BY name`)
	if err != nil {
		return nil, offline.Storage("collections", fmt.Errorf("failed to list collections: %w", err))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, offline.Storage("collections", fmt.Errorf("failed to scan collection: %w", err))
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropCollection removes a collection and its registry entry.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if !collectionNameRe.MatchString(name) {
		return offline.Storage("drop", fmt.Errorf("invalid collection name %q", name))
	}
	if _, err := s.conn.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(name)); err != nil {
		return offline.Storage("drop", fmt.Errorf("failed to drop collection %s: %w", name, err))
	}
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM _collections WHERE name = ?`, name); err != nil {
		return offline.Storage("drop", fmt.Errorf("failed to unregister collection %s: %w", name, err))
	}
	return nil
}

// Get decodes the document stored under key into dst.
// Returns an error matching ErrNotFound if the key doesn't exist.
func (s *Store) Get(ctx context.Context, collection, key string, dst any) error {
	return s.ops(s.conn).get(ctx, collection, key, dst)
}

// GetRaw returns the raw JSON document stored under key.
func (s *Store) GetRaw(ctx context.Context, collection, key string) (json.RawMessage, error) {
	return s.ops(s.conn).getRaw(ctx, collection, key)
}

// GetAll returns every document of the collection ordered by key.
func (s *Store) GetAll(ctx context.Context, collection string) ([]Record, error) {
	return s.ops(s.conn).getAll(ctx, collection)
}

// Put inserts or fully replaces the document stored under key.
func (s *Store) Put(ctx context.Context, collection, key string, value any) error {
	return s.ops(s.conn).put(ctx, collection, key, value)
}

// Add inserts a document and fails with ErrKeyExists if key is taken.
func (s *Store) Add(ctx context.Context, collection, key string, value any) error {
	return s.ops(s.conn).add(ctx, collection, key, value)
}

// Delete removes the document under key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return s.ops(s.conn).delete(ctx, collection, key)
}

// Clear removes every document of the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	return s.ops(s.conn).clear(ctx, collection)
}

// GetByIndex returns the documents whose field equals value, ordered by key.
// The field is a dotted JSON path such as "syncMeta.synced".
func (s *Store) GetByIndex(ctx context.Context, collection, field string, value any) ([]Record, error) {
	return s.ops(s.conn).getByIndex(ctx, collection, field, value)
}

// CountByIndex counts the documents whose field equals value.
func (s *Store) CountByIndex(ctx context.Context, collection, field string, value any) (int, error) {
	return s.ops(s.conn).countByIndex(ctx, collection, field, value)
}

// Count returns the number of documents in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	return s.ops(s.conn).count(ctx, collection)
}

// Txn is a read-write transaction over the store's collections.
type Txn struct {
	ops
}

// Get decodes the document stored under key into dst.
func (t *Txn) Get(ctx context.Context, collection, key string, dst any) error {
	return t.get(ctx, collection, key, dst)
}

// GetRaw returns the raw JSON document stored under key.
func (t *Txn) GetRaw(ctx context.Context, collection, key string) (json.RawMessage, error) {
	return t.getRaw(ctx, collection, key)
}

// Put inserts or fully replaces the document stored under key.
func (t *Txn) Put(ctx context.Context, collection, key string, value any) error {
	return t.put(ctx, collection, key, value)
}

// Add inserts a document and fails with ErrKeyExists if key is taken.
func (t *Txn) Add(ctx context.Context, collection, key string, value any) error {
	return t.add(ctx, collection, key, value)
}

// Delete removes the document under key.
func (t *Txn) Delete(ctx context.Context, collection, key string) error {
	return t.delete(ctx, collection, key)
}

// GetByIndex returns the documents whose field equals value.
func (t *Txn) GetByIndex(ctx context.Context, collection, field string, value any) ([]Record, error) {
	return t.getByIndex(ctx, collection, field, value)
}

// Update runs fn inside one immediate transaction. Any error returned by fn
// rolls the transaction back.
func (s *Store) Update(ctx context.Context, fn func(tx *Txn) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return offline.Storage("update", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&Txn{ops: s.ops(sqlTx)}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return offline.Storage("update", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ops struct {
	s *Store
	q querier
}

func (s *Store) ops(q querier) ops {
	return ops{s: s, q: q}
}

func (o ops) table(collection string) (string, error) {
	if !collectionNameRe.MatchString(collection) {
		return "", offline.Storage("lookup", fmt.Errorf("invalid collection name %q", collection))
	}
	return quoteIdent(collection), nil
}

func (o ops) get(ctx context.Context, collection, key string, dst any) error {
	raw, err := o.getRaw(ctx, collection, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", collection, key, err)
	}
	return nil
}

func (o ops) getRaw(ctx context.Context, collection, key string) (json.RawMessage, error) {
	table, err := o.table(collection)
	if err != nil {
		return nil, err
	}

	var value string
	err = o.q.QueryRowContext(ctx, `SELECT value FROM `+table+` WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return nil, o.s.wrap("get", collection, err)
	}
	return json.RawMessage(value), nil
}

func (o ops) getAll(ctx context.Context, collection string) ([]Record, error) {
	table, err := o.table(collection)
	if err != nil {
		return nil, err
	}

	rows, err := o.q.QueryContext(ctx, `SELECT key, value FROM `+table+` ORDER BY key`)
	if err != nil {
		return nil, o.s.wrap("get all", collection, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (o ops) put(ctx context.Context, collection, key string, value any) error {
	table, err := o.table(collection)
	if err != nil {
		return err
	}
	data, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, key, err)
	}

	query := `
	INSERT INTO ` + table + ` (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	if _, err := o.q.ExecContext(ctx, query, key, string(data), nowString()); err != nil {
		return o.s.wrap("put", collection, err)
	}
	return nil
}

func (o ops) add(ctx context.Context, collection, key string, value any) error {
	table, err := o.table(collection)
	if err != nil {
		return err
	}
	data, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, key, err)
	}

	query := `INSERT INTO ` + table + ` (key, value, updated_at) VALUES (?, ?, ?)`
	if _, err := o.q.ExecContext(ctx, query, key, string(data), nowString()); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%s/%s: %w", collection, key, ErrKeyExists)
		}
		return o.s.wrap("add", collection, err)
	}
	return nil
}

func (o ops) delete(ctx context.Context, collection, key string) error {
	table, err := o.table(collection)
	if err != nil {
		return err
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ?`, key); err != nil {
		return o.s.wrap("delete", collection, err)
	}
	return nil
}

func (o ops) clear(ctx context.Context, collection string) error {
	table, err := o.table(collection)
	if err != nil {
		return err
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
		return o.s.wrap("clear", collection, err)
	}
	return nil
}

func (o ops) getByIndex(ctx context.Context, collection, field string, value any) ([]Record, error) {
	table, err := o.table(collection)
	if err != nil {
		return nil, err
	}
	if !indexFieldRe.MatchString(field) {
		return nil, fmt.Errorf("invalid index field %q", field)
	}

	query := `SELECT key, value FROM ` + table + ` WHERE ` + jsonPath(field) + ` = ? ORDER BY key`
	rows, err := o.q.QueryContext(ctx, query, indexValue(value))
	if err != nil {
		return nil, o.s.wrap("index lookup", collection, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (o ops) countByIndex(ctx context.Context, collection, field string, value any) (int, error) {
	table, err := o.table(collection)
	if err != nil {
		return 0, err
	}
	if !indexFieldRe.MatchString(field) {
		return 0, fmt.Errorf("invalid index field %q", field)
	}

	var n int
	query := `SELECT COUNT(*) FROM ` + table + ` WHERE ` + jsonPath(field) + ` = ?`
	if err := o.q.QueryRowContext(ctx, query, indexValue(value)).Scan(&n); err != nil {
		return 0, o.s.wrap("index count", collection, err)
	}
	return n, nil
}

func (o ops) count(ctx context.Context, collection string) (int, error) {
	table, err := o.table(collection)
	if err != nil {
		return 0, err
	}
	var n int
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, o.s.wrap("count", collection, err)
	}
	return n, nil
}

// scanRecords is a helper function to scan key/value rows.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, Record{Key: key, Value: json.RawMessage(value)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// wrap maps driver errors to the store's structured conditions.
func (s *Store) wrap(op, collection string, err error) error {
	if strings.Contains(err.Error(), "no such table") {
		return s.missing(collection)
	}
	return offline.Storage(op, fmt.Errorf("%s: %w", collection, err))
}

func (s *Store) missing(collection string) error {
	reason := ReasonAbsent
	if !s.Initialized() {
		reason = ReasonNotInitialized
	}
	return &CollectionError{Name: collection, Reason: reason}
}

func encodeValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON document")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON document")
		}
		return v, nil
	default:
		return json.Marshal(value)
	}
}

func isConstraint(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) ||
		errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// indexValue converts Go values to what json_extract yields for them.
func indexValue(value any) any {
	switch v := value.(type) {
	case bool:
		if v {
			return 1
		}
		return 0
	case fmt.Stringer:
		return v.String()
	default:
		return value
	}
}

func jsonPath(field string) string {
	return `json_extract(value, '$.` + field + `')`
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
