// Package sqlstore implements the record store on database/sql. Records live
// in a single table keyed by record_key; the payload is a JSON document and
// timestamps are unix nanoseconds. The auto-increment id gives the
// insertion order. source_updated_at holds the watermark of replicated
// copies, zero otherwise.
//
// Filters on the key are pushed down to SQL. Filters on payload fields are
// evaluated in process over the id-ordered scan, so they cost a full table
// read.
package sqlstore

import (
	"context"
	"database/sql"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/driftsync/pkg/config"
	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// DefaultTable is used when the store config names no table.
const DefaultTable = "records"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	for _, d := range []Dialect{SQLite, MySQL} {
		d := d
		store.MustRegister(d.Name, func(ctx context.Context, cfg config.StoreConfig, clock store.Clock) (store.Store, error) {
			dsn := cfg.DSN
			if dsn == "" {
				if d.Name != SQLite.Name {
					return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "dsn is required").
						WithDetail("driver", d.Name)
				}
				dsn = ":memory:"
			}
			return Open(ctx, d, dsn, cfg.Table, clock)
		})
	}
}

// Store is a database/sql backed record store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	clock   store.Clock

	// writeMu serializes stamping with the write so stamps commit in order
	writeMu sync.Mutex
}

// Open connects to dsn, creates the table when missing and returns the store.
func Open(ctx context.Context, d Dialect, dsn, table string, clock store.Clock) (*Store, error) {
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "failed to open database").
			WithDetail("driver", d.Name)
	}
	if d.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.MaxOpenConns)
		db.SetMaxIdleConns(d.MaxOpenConns)
	}

	s, err := New(ctx, db, d, table, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle. The table is created when missing.
func New(ctx context.Context, db *sql.DB, d Dialect, table string, clock store.Clock) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "invalid table name").
			WithDetail("table", table)
	}
	if clock == nil {
		clock = store.NewClock(store.DefaultClockResolution)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, store.Unavailable(err, "ping")
	}
	if _, err := db.ExecContext(ctx, d.sql(d.createTable, table)); err != nil {
		return nil, store.Unavailable(err, "create table")
	}

	return &Store{db: db, dialect: d, table: table, clock: clock}, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, record *models.Record) (*models.Record, error) {
	if record == nil || record.Key == "" {
		return nil, syncerrors.New(syncerrors.ErrorTypeValidation, "record key is required")
	}
	payload, err := encodePayload(record.Fields)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec := record.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock.Now()
	} else {
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		s.clock.Observe(rec.UpdatedAt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	res, err := s.db.ExecContext(ctx, s.dialect.sql(s.dialect.insert, s.table),
		rec.Key, payload, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), toNanos(rec.SourceUpdatedAt))
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return nil, store.ErrDuplicateKey(rec.Key)
		}
		return nil, s.fail(ctx, err, "insert")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, store.ErrDuplicateKey(rec.Key)
	}
	return rec, nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(ctx context.Context, key string, record *models.Record) (*models.Record, error) {
	if key == "" || record == nil {
		return nil, syncerrors.New(syncerrors.ErrorTypeValidation, "upsert requires a key and a record")
	}
	payload, err := encodePayload(record.Fields)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail(ctx, err, "upsert")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock.Now()
	created := record.CreatedAt
	if created.IsZero() {
		created = now
	}
	if _, err := tx.ExecContext(ctx, s.dialect.sql(s.dialect.upsert, s.table),
		key, payload, created.UnixNano(), now.UnixNano(), toNanos(record.SourceUpdatedAt)); err != nil {
		return nil, s.fail(ctx, err, "upsert")
	}

	var createdNanos int64
	if err := tx.QueryRowContext(ctx, "SELECT created_at FROM "+s.table+" WHERE record_key = ?", key).
		Scan(&createdNanos); err != nil {
		return nil, s.fail(ctx, err, "upsert")
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail(ctx, err, "upsert")
	}

	rec := record.Clone()
	rec.Key = key
	rec.CreatedAt = fromNanos(createdNanos)
	rec.UpdatedAt = now
	return rec, nil
}

// Find implements store.Store.
func (s *Store) Find(ctx context.Context, filter models.Filter, opts models.FindOptions) ([]*models.Record, error) {
	pushdown := keyOnly(filter)

	query, args := s.selectQuery(filter, "record_key, payload, created_at, updated_at, source_updated_at")
	if pushdown && (opts.Limit > 0 || opts.Skip > 0) {
		limit := int64(math.MaxInt64)
		if opts.Limit > 0 {
			limit = int64(opts.Limit)
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Skip)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(ctx, err, "find")
	}
	defer rows.Close()

	out := make([]*models.Record, 0)
	skipped := 0
	for rows.Next() {
		var (
			key                        string
			payload                    []byte
			createdAt, updated, source int64
		)
		if err := rows.Scan(&key, &payload, &createdAt, &updated, &source); err != nil {
			return nil, s.fail(ctx, err, "find")
		}
		rec, err := decodeRecord(key, payload, createdAt, updated, source)
		if err != nil {
			return nil, err
		}

		if !pushdown {
			if !filter.Matches(rec) {
				continue
			}
			if skipped < opts.Skip {
				skipped++
				continue
			}
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, err, "find")
	}
	return out, nil
}

// Update implements store.Store. Matching rows are read, patched and
// rewritten in one transaction; only rows whose payload changed get a new
// stamp.
func (s *Store) Update(ctx context.Context, filter models.Filter, patch models.Patch) (models.UpdateResult, error) {
	var res models.UpdateResult

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, s.fail(ctx, err, "update")
	}
	defer func() { _ = tx.Rollback() }()

	query, args := s.selectQuery(filter, "id, record_key, payload, created_at, updated_at")
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return res, s.fail(ctx, err, "update")
	}

	type row struct {
		id  int64
		rec *models.Record
	}
	var matched []row
	for rows.Next() {
		var (
			id                 int64
			key                string
			payload            []byte
			createdAt, updated int64
		)
		if err := rows.Scan(&id, &key, &payload, &createdAt, &updated); err != nil {
			rows.Close()
			return res, s.fail(ctx, err, "update")
		}
		rec, err := decodeRecord(key, payload, createdAt, updated, 0)
		if err != nil {
			rows.Close()
			return res, err
		}
		if filter.Matches(rec) {
			matched = append(matched, row{id: id, rec: rec})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return res, s.fail(ctx, err, "update")
	}
	rows.Close()

	stmt := "UPDATE " + s.table + " SET payload = ?, updated_at = ? WHERE id = ?"
	for _, m := range matched {
		res.Matched++
		if !patch.Apply(m.rec) {
			continue
		}
		payload, err := encodePayload(m.rec.Fields)
		if err != nil {
			return models.UpdateResult{}, err
		}
		if _, err := tx.ExecContext(ctx, stmt, payload, s.clock.Now().UnixNano(), m.id); err != nil {
			return models.UpdateResult{}, s.fail(ctx, err, "update")
		}
		res.Modified++
	}

	if err := tx.Commit(); err != nil {
		return models.UpdateResult{}, s.fail(ctx, err, "update")
	}
	return res, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, filter models.Filter) (int64, error) {
	if !keyOnly(filter) {
		recs, err := s.Find(ctx, filter, models.FindOptions{})
		if err != nil {
			return 0, err
		}
		return int64(len(recs)), nil
	}

	query, args := s.selectQuery(filter, "COUNT(*)")
	query = strings.TrimSuffix(query, " ORDER BY id")

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, s.fail(ctx, err, "count")
	}
	return n, nil
}

// Close implements store.Store.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// selectQuery builds an id-ordered select, pushing a key filter down.
func (s *Store) selectQuery(filter models.Filter, columns string) (string, []interface{}) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(columns)
	b.WriteString(" FROM ")
	b.WriteString(s.table)

	var args []interface{}
	if key, ok := filter.Key(); ok {
		b.WriteString(" WHERE record_key = ?")
		args = append(args, key)
	}
	b.WriteString(" ORDER BY id")
	return b.String(), args
}

func (s *Store) fail(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return store.Unavailable(err, op)
}

// keyOnly reports whether SQL alone can evaluate the filter.
func keyOnly(filter models.Filter) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter.Key()
	return ok && len(filter) == 1
}

func encodePayload(fields map[string]interface{}) ([]byte, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, "failed to encode payload")
	}
	return b, nil
}

func decodeRecord(key string, payload []byte, createdAt, updatedAt, sourceUpdatedAt int64) (*models.Record, error) {
	fields := make(map[string]interface{})
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, "failed to decode payload").
			WithDetail("key", key)
	}
	return &models.Record{
		Key:       key,
		Fields:    fields,
		CreatedAt: fromNanos(createdAt),
		UpdatedAt: fromNanos(updatedAt),

		SourceUpdatedAt: fromNanos(sourceUpdatedAt),
	}, nil
}

// fromNanos maps 0 back to the zero time.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
