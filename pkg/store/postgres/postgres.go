// Package postgres implements the record store on PostgreSQL through a pgx
// connection pool. Payloads are stored as JSONB so that field filters and
// patches run server side.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/driftsync/pkg/config"
	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/store"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// Driver is the registry name of this backend.
const Driver = "postgres"

// DefaultTable is used when the store config names no table.
const DefaultTable = "records"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	store.MustRegister(Driver, func(ctx context.Context, cfg config.StoreConfig, clock store.Clock) (store.Store, error) {
		if cfg.DSN == "" {
			return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "dsn is required").
				WithDetail("driver", Driver)
		}
		return Open(ctx, cfg.DSN, cfg.Table, clock)
	})
}

// Store is a PostgreSQL backed record store.
type Store struct {
	pool  *pgxpool.Pool
	table string
	clock store.Clock

	// writeMu serializes stamping with the write so stamps commit in order
	writeMu sync.Mutex
}

// Open creates a connection pool for dsn and ensures the table exists.
func Open(ctx context.Context, dsn, table string, clock store.Clock) (*Store, error) {
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

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "failed to parse connection string")
	}
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, store.Unavailable(err, "connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable(err, "ping")
	}

	s := &Store{pool: pool, table: table, clock: clock}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		record_key TEXT NOT NULL UNIQUE,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		source_updated_at TIMESTAMPTZ
	)`, s.table))
	if err != nil {
		return store.Unavailable(err, "create table")
	}
	// tables created before replicated copies carried a watermark
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN IF NOT EXISTS source_updated_at TIMESTAMPTZ`, s.table))
	if err != nil {
		return store.Unavailable(err, "migrate table")
	}
	return nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, record *models.Record) (*models.Record, error) {
	if record == nil || record.Key == "" {
		return nil, syncerrors.New(syncerrors.ErrorTypeValidation, "record key is required")
	}
	payload, err := encodeJSON(record.Fields)
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

	tag, err := s.pool.Exec(ctx, `INSERT INTO `+s.table+` (record_key, payload, created_at, updated_at, source_updated_at)
		VALUES ($1, $2::jsonb, $3, $4, $5) ON CONFLICT (record_key) DO NOTHING`,
		rec.Key, payload, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.SourceUpdatedAt))
	if err != nil {
		return nil, s.fail(ctx, err, "insert")
	}
	if tag.RowsAffected() == 0 {
		return nil, store.ErrDuplicateKey(rec.Key)
	}
	return rec, nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(ctx context.Context, key string, record *models.Record) (*models.Record, error) {
	if key == "" || record == nil {
		return nil, syncerrors.New(syncerrors.ErrorTypeValidation, "upsert requires a key and a record")
	}
	payload, err := encodeJSON(record.Fields)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock.Now()
	created := record.CreatedAt
	if created.IsZero() {
		created = now
	}

	var createdAt time.Time
	err = s.pool.QueryRow(ctx, `INSERT INTO `+s.table+` (record_key, payload, created_at, updated_at, source_updated_at)
		VALUES ($1, $2::jsonb, $3, $4, $5)
		ON CONFLICT (record_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at,
			source_updated_at = EXCLUDED.source_updated_at
		RETURNING created_at`,
		key, payload, created, now, nullTime(record.SourceUpdatedAt)).Scan(&createdAt)
	if err != nil {
		return nil, s.fail(ctx, err, "upsert")
	}

	rec := record.Clone()
	rec.Key = key
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = now
	return rec, nil
}

// Find implements store.Store.
func (s *Store) Find(ctx context.Context, filter models.Filter, opts models.FindOptions) ([]*models.Record, error) {
	where, args, err := whereClause(filter, 1)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT record_key, payload, created_at, updated_at, source_updated_at FROM ")
	b.WriteString(s.table)
	b.WriteString(where)
	b.WriteString(" ORDER BY id")
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Skip > 0 {
		args = append(args, opts.Skip)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, s.fail(ctx, err, "find")
	}
	defer rows.Close()

	out := make([]*models.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, err, "find")
	}
	return out, nil
}

// Update implements store.Store. The patch is merged into the JSONB payload;
// rows that already contain every patched value keep their stamp.
func (s *Store) Update(ctx context.Context, filter models.Filter, patch models.Patch) (models.UpdateResult, error) {
	var res models.UpdateResult

	where, args, err := whereClause(filter, 1)
	if err != nil {
		return res, err
	}
	patchJSON, err := encodeJSON(patch)
	if err != nil {
		return res, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, s.fail(ctx, err, "update")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table+where, args...).Scan(&res.Matched); err != nil {
		return models.UpdateResult{}, s.fail(ctx, err, "update")
	}
	if res.Matched == 0 {
		return res, nil
	}

	n := len(args)
	cond := fmt.Sprintf("NOT (payload @> $%d::jsonb)", n+1)
	if where == "" {
		where = " WHERE " + cond
	} else {
		where += " AND " + cond
	}
	args = append(args, patchJSON, s.clock.Now())
	tag, err := tx.Exec(ctx, fmt.Sprintf("UPDATE %s SET payload = payload || $%d::jsonb, updated_at = $%d%s",
		s.table, n+1, n+2, where), args...)
	if err != nil {
		return models.UpdateResult{}, s.fail(ctx, err, "update")
	}
	res.Modified = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return models.UpdateResult{}, s.fail(ctx, err, "update")
	}
	return res, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, filter models.Filter) (int64, error) {
	where, args, err := whereClause(filter, 1)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table+where, args...).Scan(&n); err != nil {
		return 0, s.fail(ctx, err, "count")
	}
	return n, nil
}

// Close implements store.Store.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *Store) fail(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return store.Unavailable(err, op)
}

// whereClause translates a filter into SQL with placeholders numbered from
// first. The key entry becomes an equality on record_key and the payload
// entries a single JSONB containment test.
func whereClause(filter models.Filter, first int) (string, []interface{}, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}

	var (
		conds  []string
		args   []interface{}
		fields = make(map[string]interface{}, len(filter))
	)
	for field, value := range filter {
		if field == models.KeyField {
			key, ok := value.(string)
			if !ok {
				return "", nil, syncerrors.New(syncerrors.ErrorTypeValidation, "key filter must be a string")
			}
			args = append(args, key)
			conds = append(conds, fmt.Sprintf("record_key = $%d", first+len(args)-1))
			continue
		}
		fields[field] = value
	}
	if len(fields) > 0 {
		b, err := encodeJSON(fields)
		if err != nil {
			return "", nil, err
		}
		args = append(args, b)
		conds = append(conds, fmt.Sprintf("payload @> $%d::jsonb", first+len(args)-1))
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func scanRecord(rows pgx.Rows) (*models.Record, error) {
	var (
		key                  string
		payload              []byte
		createdAt, updatedAt time.Time
		sourceUpdatedAt      *time.Time
	)
	if err := rows.Scan(&key, &payload, &createdAt, &updatedAt, &sourceUpdatedAt); err != nil {
		return nil, store.Unavailable(err, "scan")
	}

	fields := make(map[string]interface{})
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, "failed to decode payload").
			WithDetail("key", key)
	}
	rec := &models.Record{
		Key:       key,
		Fields:    fields,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	if sourceUpdatedAt != nil {
		rec.SourceUpdatedAt = sourceUpdatedAt.UTC()
	}
	return rec, nil
}

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, "failed to encode payload")
	}
	if string(b) == "null" {
		return []byte("{}"), nil
	}
	return b, nil
}
