package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4/database"

	"github.com/okian/roughmap/internal/domain/model"
)

// dialect captures what differs between the SQL drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, …) instead of ?
	numbered bool
	// row-lock suffix for reads inside a transaction
	forUpdate string
	txOptions *sql.TxOptions
	retryable func(error) bool
	migrator  func(*sql.DB) (database.Driver, error)
}

// SQLStore is a Store over database/sql. SQLite and PostgreSQL share the
// schema; the dialect decides placeholders, locking and retry detection.
type SQLStore struct {
	db   *sql.DB
	d    dialect
	opts options
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const passColumns = `id, city_id, cell_id, roughness_percent, sample_count, created_at_ms,
	geometry, road_type_hint, processed, processed_at_ms`

// DB exposes the underlying handle for tooling.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver returns the dialect name.
func (s *SQLStore) Driver() string { return s.d.name }

func (s *SQLStore) rebind(q string) string {
	if !s.d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RunInTransaction implements Store.
func (s *SQLStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return runWithRetry(ctx, s.opts, s.d.name, func(ctx context.Context) error {
		sqlTx, err := s.db.BeginTx(ctx, s.d.txOptions)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = sqlTx.Rollback() }()

		if err := fn(ctx, &sqlTxHandle{s: s, tx: sqlTx}); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}, s.d.retryable)
}

// CreatePass implements Store.
func (s *SQLStore) CreatePass(ctx context.Context, p model.SegmentPass) error {
	geom, err := json.Marshal(p.Geometry)
	if err != nil {
		return fmt.Errorf("encode geometry: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO segment_passes (`+passColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		p.ID, p.CityID, p.CellID, nullableFloat(p.RoughnessPercent), p.SampleCount, p.CreatedAt.UnixMilli(),
		string(geom), p.RoadTypeHint, p.Processed, nullableMillis(p.ProcessedAt))
	if err != nil {
		return fmt.Errorf("insert pass %s: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetPass implements Store.
func (s *SQLStore) GetPass(ctx context.Context, id string) (model.SegmentPass, error) {
	return s.getPass(ctx, s.db, id, "")
}

func (s *SQLStore) getPass(ctx context.Context, q queryer, id, suffix string) (model.SegmentPass, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+passColumns+` FROM segment_passes WHERE id = ?`+suffix), id)
	p, err := scanPass(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SegmentPass{}, ErrNotFound
	}
	return p, err
}

// GetAggregate implements Store.
func (s *SQLStore) GetAggregate(ctx context.Context, cityID, cellID string) (model.SegmentAggregate, error) {
	return s.getAggregate(ctx, s.db, cityID, cellID, "")
}

func (s *SQLStore) getAggregate(ctx context.Context, q queryer, cityID, cellID, suffix string) (model.SegmentAggregate, error) {
	var doc string
	err := q.QueryRowContext(ctx,
		s.rebind(`SELECT doc FROM segment_aggregates WHERE city_id = ? AND cell_id = ?`+suffix),
		cityID, cellID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SegmentAggregate{}, ErrNotFound
	}
	if err != nil {
		return model.SegmentAggregate{}, fmt.Errorf("read aggregate %s/%s: %w", cityID, cellID, err)
	}
	return decodeAggregate(doc)
}

// GetCityRoot implements Store.
func (s *SQLStore) GetCityRoot(ctx context.Context, cityID string) (model.CityRoot, error) {
	var r model.CityRoot
	var atMs int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT city_id, last_agg_at_ms, last_agg_doc_id, last_agg_cell_id
		FROM city_roots WHERE city_id = ?`), cityID).Scan(&r.CityID, &atMs, &r.LastAggDocID, &r.LastAggCellID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CityRoot{}, ErrNotFound
	}
	if err != nil {
		return model.CityRoot{}, fmt.Errorf("read city root %s: %w", cityID, err)
	}
	r.LastAggAt = time.UnixMilli(atMs).UTC()
	return r, nil
}

// ListUnprocessed implements Store.
func (s *SQLStore) ListUnprocessed(ctx context.Context, limit int) ([]model.SegmentPass, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	return s.listPasses(ctx, `WHERE processed = ? ORDER BY created_at_ms DESC, id ASC LIMIT ?`, false, limit)
}

// ListCityPasses implements Store.
func (s *SQLStore) ListCityPasses(ctx context.Context, cityID string, limit int) ([]model.SegmentPass, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	return s.listPasses(ctx, `WHERE city_id = ? ORDER BY created_at_ms DESC, id ASC LIMIT ?`, cityID, limit)
}

func (s *SQLStore) listPasses(ctx context.Context, where string, args ...any) ([]model.SegmentPass, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+passColumns+` FROM segment_passes `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SegmentPass
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListAggregates implements Store.
func (s *SQLStore) ListAggregates(ctx context.Context, cityID string, publishedOnly bool) ([]model.SegmentAggregate, error) {
	q := `SELECT doc FROM segment_aggregates WHERE city_id = ?`
	args := []any{cityID}
	if publishedOnly {
		q += ` AND published = ?`
		args = append(args, true)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q+` ORDER BY cell_id`), args...)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SegmentAggregate
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		a, err := decodeAggregate(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAggregates implements Store.
func (s *SQLStore) CountAggregates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segment_aggregates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count aggregates: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlTxHandle struct {
	s  *SQLStore
	tx *sql.Tx
}

func (h *sqlTxHandle) GetPass(ctx context.Context, id string) (model.SegmentPass, error) {
	return h.s.getPass(ctx, h.tx, id, h.s.d.forUpdate)
}

func (h *sqlTxHandle) GetAggregate(ctx context.Context, cityID, cellID string) (model.SegmentAggregate, error) {
	return h.s.getAggregate(ctx, h.tx, cityID, cellID, h.s.d.forUpdate)
}

func (h *sqlTxHandle) PutAggregate(ctx context.Context, agg model.SegmentAggregate) error {
	doc, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	_, err = h.tx.ExecContext(ctx, h.s.rebind(`INSERT INTO segment_aggregates (city_id, cell_id, published, updated_at_ms, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (city_id, cell_id) DO UPDATE SET
			published = excluded.published,
			updated_at_ms = excluded.updated_at_ms,
			doc = excluded.doc`),
		agg.CityID, agg.CellID, agg.Published, agg.UpdatedAt.UnixMilli(), string(doc))
	if err != nil {
		return fmt.Errorf("write aggregate %s/%s: %w", agg.CityID, agg.CellID, err)
	}
	return nil
}

func (h *sqlTxHandle) PutCityRoot(ctx context.Context, root model.CityRoot) error {
	_, err := h.tx.ExecContext(ctx, h.s.rebind(`INSERT INTO city_roots (city_id, last_agg_at_ms, last_agg_doc_id, last_agg_cell_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (city_id) DO UPDATE SET
			last_agg_at_ms = excluded.last_agg_at_ms,
			last_agg_doc_id = excluded.last_agg_doc_id,
			last_agg_cell_id = excluded.last_agg_cell_id`),
		root.CityID, root.LastAggAt.UnixMilli(), root.LastAggDocID, root.LastAggCellID)
	if err != nil {
		return fmt.Errorf("write city root %s: %w", root.CityID, err)
	}
	return nil
}

func (h *sqlTxHandle) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	res, err := h.tx.ExecContext(ctx, h.s.rebind(`UPDATE segment_passes SET processed = ?, processed_at_ms = ? WHERE id = ?`),
		true, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark pass %s processed: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPass(row rowScanner) (model.SegmentPass, error) {
	var (
		p           model.SegmentPass
		rough       sql.NullFloat64
		createdMs   int64
		geom        string
		processedMs sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.CityID, &p.CellID, &rough, &p.SampleCount, &createdMs,
		&geom, &p.RoadTypeHint, &p.Processed, &processedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan pass: %w", err)
	}
	p.RoughnessPercent = math.NaN()
	if rough.Valid {
		p.RoughnessPercent = rough.Float64
	}
	p.CreatedAt = time.UnixMilli(createdMs).UTC()
	if processedMs.Valid {
		at := time.UnixMilli(processedMs.Int64).UTC()
		p.ProcessedAt = &at
	}
	if geom != "" {
		if err := json.Unmarshal([]byte(geom), &p.Geometry); err != nil {
			return p, fmt.Errorf("decode geometry of pass %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func decodeAggregate(doc string) (model.SegmentAggregate, error) {
	var a model.SegmentAggregate
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return a, fmt.Errorf("decode aggregate: %w", err)
	}
	return a, nil
}

func nullableFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: model.IsFinite(v)}
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
