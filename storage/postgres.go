package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealwatch/models"
)

const uniqueViolation = "23505"

// Schema creates the tables PostgresStore expects. The partial unique index on
// deals is what keeps a product to a single active deal.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	brand TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	current_price NUMERIC(12,2),
	list_price NUMERIC(12,2),
	currency TEXT NOT NULL DEFAULT '',
	rating DOUBLE PRECISION NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	available BOOLEAN NOT NULL DEFAULT FALSE,
	prime BOOLEAN NOT NULL DEFAULT FALSE,
	last_checked_at TIMESTAMPTZ,
	last_outcome TEXT NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS price_history (
	id BIGSERIAL PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	price NUMERIC(12,2) NOT NULL,
	list_price NUMERIC(12,2),
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS deals (
	id UUID PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	original_price NUMERIC(12,2) NOT NULL,
	deal_price NUMERIC(12,2) NOT NULL,
	discount_percentage DOUBLE PRECISION NOT NULL,
	score INTEGER NOT NULL,
	classification TEXT NOT NULL,
	status TEXT NOT NULL,
	is_published BOOLEAN NOT NULL DEFAULT FALSE,
	notified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expired_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history(product_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_products_due ON products(last_checked_at NULLS FIRST);
CREATE UNIQUE INDEX IF NOT EXISTS idx_deals_one_active ON deals(product_id) WHERE status = 'active';
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %v: %w", err, models.ErrConfiguration)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// EnsureSchema bootstraps an empty database.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// =============================================================================
// Products
// =============================================================================

const productColumns = `id, title, brand, url, current_price::float8, list_price::float8, currency,
	rating, review_count, available, prime, last_checked_at, last_outcome,
	consecutive_failures, created_at, updated_at`

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	err := row.Scan(&p.ID, &p.Title, &p.Brand, &p.URL, &p.CurrentPrice, &p.ListPrice, &p.Currency,
		&p.Rating, &p.ReviewCount, &p.Available, &p.Prime, &p.LastCheckedAt, &p.LastOutcome,
		&p.ConsecutiveFailures, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPersistence("get product", err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (
			id, title, brand, url, current_price, list_price, currency, rating, review_count,
			available, prime, last_checked_at, last_outcome, consecutive_failures, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			brand = EXCLUDED.brand,
			url = COALESCE(NULLIF(EXCLUDED.url, ''), products.url),
			current_price = EXCLUDED.current_price,
			list_price = EXCLUDED.list_price,
			currency = EXCLUDED.currency,
			rating = EXCLUDED.rating,
			review_count = EXCLUDED.review_count,
			available = EXCLUDED.available,
			prime = EXCLUDED.prime,
			last_checked_at = EXCLUDED.last_checked_at,
			last_outcome = EXCLUDED.last_outcome,
			consecutive_failures = EXCLUDED.consecutive_failures,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err := s.pool.QueryRow(ctx, query,
		p.ID, p.Title, p.Brand, p.URL, p.CurrentPrice, p.ListPrice, p.Currency, p.Rating, p.ReviewCount,
		p.Available, p.Prime, p.LastCheckedAt, p.LastOutcome, p.ConsecutiveFailures,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return wrapPersistence("upsert product", err)
}

func (s *PostgresStore) ListDueProducts(ctx context.Context, before time.Time, limit int) ([]models.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+` FROM products
		WHERE last_checked_at IS NULL OR last_checked_at < $1
		ORDER BY last_checked_at NULLS FIRST, id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, wrapPersistence("list due products", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, wrapPersistence("scan product", err)
		}
		out = append(out, *p)
	}
	return out, wrapPersistence("list due products", rows.Err())
}

// =============================================================================
// Price history
// =============================================================================

func (s *PostgresStore) LastPrice(ctx context.Context, productID string) (*models.PriceHistoryRecord, error) {
	var r models.PriceHistoryRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, product_id, price::float8, list_price::float8, recorded_at
		FROM price_history WHERE product_id = $1
		ORDER BY recorded_at DESC, id DESC LIMIT 1`, productID,
	).Scan(&r.ID, &r.ProductID, &r.Price, &r.ListPrice, &r.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPersistence("last price", err)
	}
	return &r, nil
}

func (s *PostgresStore) AppendPrice(ctx context.Context, rec *models.PriceHistoryRecord) (bool, error) {
	// One statement, so the dedup check and the insert cannot interleave
	// with another writer's partial state.
	err := s.pool.QueryRow(ctx, `
		INSERT INTO price_history (product_id, price, list_price, recorded_at)
		SELECT $1::text, $2::numeric(12,2), $3::numeric(12,2), $4::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM (
				SELECT price FROM price_history WHERE product_id = $1
				ORDER BY recorded_at DESC, id DESC LIMIT 1
			) last WHERE last.price = $2::numeric(12,2)
		)
		RETURNING id`,
		rec.ProductID, rec.Price, rec.ListPrice, rec.RecordedAt,
	).Scan(&rec.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapPersistence("append price", err)
	}
	return true, nil
}

func (s *PostgresStore) Window(ctx context.Context, productID string, since time.Time) ([]models.PriceHistoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, product_id, price::float8, list_price::float8, recorded_at
		FROM price_history
		WHERE product_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at, id`, productID, since)
	if err != nil {
		return nil, wrapPersistence("read window", err)
	}
	defer rows.Close()

	var out []models.PriceHistoryRecord
	for rows.Next() {
		var r models.PriceHistoryRecord
		if err := rows.Scan(&r.ID, &r.ProductID, &r.Price, &r.ListPrice, &r.RecordedAt); err != nil {
			return nil, wrapPersistence("scan history", err)
		}
		out = append(out, r)
	}
	return out, wrapPersistence("read window", rows.Err())
}

// =============================================================================
// Deals
// =============================================================================

const dealColumns = `id, product_id, original_price::float8, deal_price::float8, discount_percentage,
	score, classification, status, is_published, notified, created_at, updated_at, expired_at`

func scanDeal(row pgx.Row) (*models.Deal, error) {
	var d models.Deal
	err := row.Scan(&d.ID, &d.ProductID, &d.OriginalPrice, &d.DealPrice, &d.DiscountPercentage,
		&d.Score, &d.Classification, &d.Status, &d.IsPublished, &d.Notified,
		&d.CreatedAt, &d.UpdatedAt, &d.ExpiredAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) ActiveDeal(ctx context.Context, productID string) (*models.Deal, error) {
	d, err := scanDeal(s.pool.QueryRow(ctx,
		`SELECT `+dealColumns+` FROM deals WHERE product_id = $1 AND status = 'active'`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPersistence("active deal", err)
	}
	return d, nil
}

func (s *PostgresStore) InsertDeal(ctx context.Context, d *models.Deal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deals (id, product_id, original_price, deal_price, discount_percentage, score,
			classification, status, is_published, notified, created_at, updated_at, expired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.ProductID, d.OriginalPrice, d.DealPrice, d.DiscountPercentage, d.Score,
		d.Classification, d.Status, d.IsPublished, d.Notified, d.CreatedAt, d.UpdatedAt, d.ExpiredAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateActiveDeal
	}
	return wrapPersistence("insert deal", err)
}

func (s *PostgresStore) UpdateDeal(ctx context.Context, d *models.Deal) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deals SET original_price = $2, deal_price = $3, discount_percentage = $4, score = $5,
			classification = $6, status = $7, is_published = $8, notified = $9,
			updated_at = $10, expired_at = $11
		WHERE id = $1`,
		d.ID, d.OriginalPrice, d.DealPrice, d.DiscountPercentage, d.Score,
		d.Classification, d.Status, d.IsPublished, d.Notified, d.UpdatedAt, d.ExpiredAt)
	if err != nil {
		return wrapPersistence("update deal", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActiveDeals(ctx context.Context, limit int) ([]models.Deal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dealColumns+` FROM deals WHERE status = 'active'
		ORDER BY score DESC, created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapPersistence("list deals", err)
	}
	defer rows.Close()

	var out []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, wrapPersistence("scan deal", err)
		}
		out = append(out, *d)
	}
	return out, wrapPersistence("list deals", rows.Err())
}

func wrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrPersistence, err)
}
