package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
)

// Postgres is the Ledger and RequestLog backed by PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// InitDB opens, pings and migrates the ledger database.
func InitDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	obs.Logger.Info("ledger_db_ready")
	return db, nil
}

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			condition TEXT NOT NULL DEFAULT '',
			image_urls TEXT[] NOT NULL DEFAULT '{}',
			estimate JSONB,
			decision TEXT NOT NULL,
			state TEXT NOT NULL,
			approved_price JSONB,
			reject_reason TEXT NOT NULL DEFAULT '',
			sold_marketplace TEXT NOT NULL DEFAULT '',
			sold_price JSONB,
			sold_at TIMESTAMPTZ,
			intent_epoch BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS marketplace_records (
			product_id TEXT NOT NULL REFERENCES products(id),
			marketplace TEXT NOT NULL,
			remote_ids JSONB NOT NULL DEFAULT '{}',
			sync_status TEXT NOT NULL,
			operation TEXT NOT NULL DEFAULT '',
			last_attempted_price JSONB,
			last_confirmed_price JSONB,
			last_error JSONB,
			attempt_count INT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			epoch BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (product_id, marketplace)
		);

		CREATE TABLE IF NOT EXISTS marketplace_record_history (
			id BIGSERIAL PRIMARY KEY,
			product_id TEXT NOT NULL,
			marketplace TEXT NOT NULL,
			product_version BIGINT NOT NULL,
			snapshot JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS marketplace_record_history_key
			ON marketplace_record_history (product_id, marketplace, id);

		CREATE TABLE IF NOT EXISTS retry_tasks (
			product_id TEXT NOT NULL,
			marketplace TEXT NOT NULL,
			operation TEXT NOT NULL,
			attempt INT NOT NULL,
			not_before TIMESTAMPTZ NOT NULL,
			epoch BIGINT NOT NULL,
			PRIMARY KEY (product_id, marketplace)
		);

		CREATE TABLE IF NOT EXISTS marketplace_requests (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			marketplace TEXT NOT NULL,
			call TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status_code INT NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			latency_ns BIGINT NOT NULL DEFAULT 0,
			at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS marketplace_requests_product ON marketplace_requests (product_id, at);
	`)
	return err
}

const productColumns = `id, title, description, condition, image_urls, estimate, decision, state,
	approved_price, reject_reason, sold_marketplace, sold_price, sold_at, intent_epoch, version,
	created_at, updated_at`

func (s *Postgres) CreateProduct(ctx context.Context, p model.Product) error {
	estimate, err := jsonValue(p.Estimate)
	if err != nil {
		return err
	}
	approved, err := jsonValue(p.ApprovedPrice)
	if err != nil {
		return err
	}
	sold, err := jsonValue(p.SoldPrice)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.Title, p.Description, string(p.Condition), pq.Array(p.ImageURLs), estimate,
		string(p.Decision), string(p.State), approved, p.RejectReason, string(p.SoldMarketplace),
		sold, p.SoldAt, int64(p.IntentEpoch), int64(p.Version), p.CreatedAt, p.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (model.Product, error) {
	var (
		p                                   model.Product
		condition, decision, state, soldMkt string
		estimate, approved, soldPrice       []byte
		soldAt                              sql.NullTime
		epoch, version                      int64
	)
	err := row.Scan(&p.ID, &p.Title, &p.Description, &condition, pq.Array(&p.ImageURLs), &estimate,
		&decision, &state, &approved, &p.RejectReason, &soldMkt, &soldPrice, &soldAt, &epoch, &version,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Product{}, err
	}
	p.Condition = model.Condition(condition)
	p.Decision = model.LifecycleState(decision)
	p.State = model.LifecycleState(state)
	p.SoldMarketplace = model.Marketplace(soldMkt)
	p.IntentEpoch = uint64(epoch)
	p.Version = uint64(version)
	if soldAt.Valid {
		t := soldAt.Time
		p.SoldAt = &t
	}
	if err := decodeJSON(estimate, &p.Estimate); err != nil {
		return model.Product{}, err
	}
	if err := decodeJSON(approved, &p.ApprovedPrice); err != nil {
		return model.Product{}, err
	}
	if err := decodeJSON(soldPrice, &p.SoldPrice); err != nil {
		return model.Product{}, err
	}
	return p, nil
}

const recordColumns = `product_id, marketplace, remote_ids, sync_status, operation, last_attempted_price,
	last_confirmed_price, last_error, attempt_count, next_retry_at, epoch, created_at, updated_at`

func scanRecord(row rowScanner) (model.MarketplaceRecord, error) {
	var (
		r                            model.MarketplaceRecord
		mkt, status, op              string
		remote, attempted, confirmed []byte
		lastErr                      []byte
		nextRetry                    sql.NullTime
		epoch                        int64
	)
	err := row.Scan(&r.ProductID, &mkt, &remote, &status, &op, &attempted, &confirmed, &lastErr,
		&r.AttemptCount, &nextRetry, &epoch, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return model.MarketplaceRecord{}, err
	}
	r.Marketplace = model.Marketplace(mkt)
	r.Status = model.SyncStatus(status)
	r.Operation = model.Operation(op)
	r.Epoch = uint64(epoch)
	if nextRetry.Valid {
		t := nextRetry.Time
		r.NextRetryAt = &t
	}
	for _, f := range []struct {
		b []byte
		v any
	}{{remote, &r.RemoteIDs}, {attempted, &r.LastAttemptedPrice}, {confirmed, &r.LastConfirmedPrice}, {lastErr, &r.LastError}} {
		if err := decodeJSON(f.b, f.v); err != nil {
			return model.MarketplaceRecord{}, err
		}
	}
	if r.RemoteIDs == nil {
		r.RemoteIDs = map[string]string{}
	}
	return r, nil
}

// Load reads the product and its records from one repeatable-read snapshot so
// the stored state always matches the records returned with it.
func (s *Postgres) Load(ctx context.Context, productID string) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load product %s: %w", productID, err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+recordColumns+` FROM marketplace_records WHERE product_id = $1`, productID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load records for %s: %w", productID, err)
	}
	defer rows.Close()
	snap := Snapshot{Product: p, Records: make(map[model.Marketplace]model.MarketplaceRecord)}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan record: %w", err)
		}
		snap.Records[r.Marketplace] = r
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("error iterating record rows: %w", err)
	}
	return snap, nil
}

func (s *Postgres) Commit(ctx context.Context, c Commit) (model.Product, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Product{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p := c.Product.Clone()
	p.Version = c.ExpectedVersion + 1
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	approved, err := jsonValue(p.ApprovedPrice)
	if err != nil {
		return model.Product{}, err
	}
	sold, err := jsonValue(p.SoldPrice)
	if err != nil {
		return model.Product{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE products SET
			decision = $3, state = $4, approved_price = $5, reject_reason = $6, sold_marketplace = $7,
			sold_price = $8, sold_at = $9, intent_epoch = $10, version = $11, updated_at = $12
		WHERE id = $1 AND version = $2`,
		p.ID, int64(c.ExpectedVersion), string(p.Decision), string(p.State), approved, p.RejectReason,
		string(p.SoldMarketplace), sold, p.SoldAt, int64(p.IntentEpoch), int64(p.Version), p.UpdatedAt,
	)
	if err != nil {
		return model.Product{}, fmt.Errorf("failed to update product: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Product{}, fmt.Errorf("failed to read update result: %w", err)
	} else if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return model.Product{}, fmt.Errorf("failed to check product: %w", err)
		}
		if !exists {
			return model.Product{}, ErrNotFound
		}
		return model.Product{}, ErrVersionConflict
	}

	for _, r := range c.Records {
		r.ProductID = p.ID
		if err := upsertRecord(ctx, tx, r, p.Version); err != nil {
			return model.Product{}, err
		}
	}
	for _, m := range c.CancelRetries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM retry_tasks WHERE product_id = $1 AND marketplace = $2`, p.ID, string(m)); err != nil {
			return model.Product{}, fmt.Errorf("failed to cancel retry: %w", err)
		}
	}
	for _, t := range c.ScheduleRetries {
		_, err := tx.ExecContext(ctx, `INSERT INTO retry_tasks (product_id, marketplace, operation, attempt, not_before, epoch)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (product_id, marketplace) DO UPDATE SET
				operation = EXCLUDED.operation, attempt = EXCLUDED.attempt,
				not_before = EXCLUDED.not_before, epoch = EXCLUDED.epoch`,
			t.ProductID, string(t.Marketplace), string(t.Operation), t.Attempt, t.NotBefore, int64(t.Epoch))
		if err != nil {
			return model.Product{}, fmt.Errorf("failed to schedule retry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Product{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return p, nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, r model.MarketplaceRecord, version uint64) error {
	remote, err := jsonValue(r.RemoteIDs)
	if err != nil {
		return err
	}
	attempted, err := jsonValue(r.LastAttemptedPrice)
	if err != nil {
		return err
	}
	confirmed, err := jsonValue(r.LastConfirmedPrice)
	if err != nil {
		return err
	}
	lastErr, err := jsonValue(r.LastError)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO marketplace_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (product_id, marketplace) DO UPDATE SET
			remote_ids = EXCLUDED.remote_ids, sync_status = EXCLUDED.sync_status,
			operation = EXCLUDED.operation, last_attempted_price = EXCLUDED.last_attempted_price,
			last_confirmed_price = EXCLUDED.last_confirmed_price, last_error = EXCLUDED.last_error,
			attempt_count = EXCLUDED.attempt_count, next_retry_at = EXCLUDED.next_retry_at,
			epoch = EXCLUDED.epoch, updated_at = EXCLUDED.updated_at`,
		r.ProductID, string(r.Marketplace), remote, string(r.Status), string(r.Operation), attempted,
		confirmed, lastErr, r.AttemptCount, r.NextRetryAt, int64(r.Epoch), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert %s record: %w", r.Marketplace, err)
	}
	snapshot, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record history: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO marketplace_record_history (product_id, marketplace, product_version, snapshot)
		VALUES ($1, $2, $3, $4)`, r.ProductID, string(r.Marketplace), int64(version), snapshot)
	if err != nil {
		return fmt.Errorf("failed to append %s record history: %w", r.Marketplace, err)
	}
	return nil
}

func (s *Postgres) RecordHistory(ctx context.Context, productID string, m model.Marketplace) ([]model.MarketplaceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM marketplace_record_history
		WHERE product_id = $1 AND marketplace = $2 ORDER BY id ASC`, productID, string(m))
	if err != nil {
		return nil, fmt.Errorf("failed to query record history: %w", err)
	}
	defer rows.Close()
	var out []model.MarketplaceRecord
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to scan record history: %w", err)
		}
		var r model.MarketplaceRecord
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("failed to decode record history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) RetryTasks(ctx context.Context) ([]model.RetryTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT product_id, marketplace, operation, attempt, not_before, epoch
		FROM retry_tasks ORDER BY not_before ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry tasks: %w", err)
	}
	defer rows.Close()
	var out []model.RetryTask
	for rows.Next() {
		var (
			t       model.RetryTask
			mkt, op string
			epoch   int64
		)
		if err := rows.Scan(&t.ProductID, &mkt, &op, &t.Attempt, &t.NotBefore, &epoch); err != nil {
			return nil, fmt.Errorf("failed to scan retry task: %w", err)
		}
		t.Marketplace = model.Marketplace(mkt)
		t.Operation = model.Operation(op)
		t.Epoch = uint64(epoch)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteRetryTask(ctx context.Context, t model.RetryTask) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_tasks
		WHERE product_id = $1 AND marketplace = $2 AND attempt = $3 AND epoch = $4`,
		t.ProductID, string(t.Marketplace), t.Attempt, int64(t.Epoch))
	if err != nil {
		return fmt.Errorf("failed to delete retry task: %w", err)
	}
	return nil
}

func (s *Postgres) AppendRequest(ctx context.Context, e model.RequestLogEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO marketplace_requests
		(id, product_id, marketplace, call, method, url, status_code, outcome, error, latency_ns, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.ProductID, string(e.Marketplace), e.Call, e.Method, e.URL, e.StatusCode, e.Outcome,
		e.Error, int64(e.Latency), e.At)
	if err != nil {
		return fmt.Errorf("failed to append request log: %w", err)
	}
	return nil
}

func (s *Postgres) Requests(ctx context.Context, productID string) ([]model.RequestLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, product_id, marketplace, call, method, url, status_code,
		outcome, error, latency_ns, at FROM marketplace_requests WHERE product_id = $1 ORDER BY at ASC`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query request log: %w", err)
	}
	defer rows.Close()
	var out []model.RequestLogEntry
	for rows.Next() {
		var (
			e       model.RequestLogEntry
			mkt     string
			latency int64
		)
		if err := rows.Scan(&e.ID, &e.ProductID, &mkt, &e.Call, &e.Method, &e.URL, &e.StatusCode,
			&e.Outcome, &e.Error, &latency, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		e.Marketplace = model.Marketplace(mkt)
		e.Latency = time.Duration(latency)
		out = append(out, e)
	}
	return out, rows.Err()
}

func jsonValue(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal column: %w", err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}
