package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quotelab/cmc-proxy/pkg/model"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds a single database connection.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ConnString renders the pgx connection string.
func (c PostgresConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, sslMode)
}

// Connect creates a pooled Postgres store and verifies the connection.
func Connect(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping verifies the connection is healthy.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// nullString maps "" to NULL so empty fields never overwrite data.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// UpsertAsset creates or updates one asset's metadata. NULL-valued
// incoming fields never overwrite existing data.
func (p *Postgres) UpsertAsset(ctx context.Context, asset *model.Asset) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO assets (entity_id, name, symbol, slug, num_market_pairs, date_added, tags, max_supply, infinite_supply)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entity_id) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			slug = COALESCE(EXCLUDED.slug, assets.slug),
			num_market_pairs = COALESCE(EXCLUDED.num_market_pairs, assets.num_market_pairs),
			date_added = COALESCE(EXCLUDED.date_added, assets.date_added),
			tags = COALESCE(EXCLUDED.tags, assets.tags),
			max_supply = COALESCE(EXCLUDED.max_supply, assets.max_supply),
			infinite_supply = EXCLUDED.infinite_supply`,
		asset.ID, asset.Name, asset.Symbol, nullString(asset.Slug),
		asset.NumMarketPairs, asset.DateAdded, asset.Tags,
		asset.MaxSupply, asset.InfiniteSupply)
	if err != nil {
		return fmt.Errorf("upsert asset %d: %w", asset.ID, err)
	}
	return nil
}

// UpsertQuoteSnapshot replaces the asset's current snapshot,
// last-write-wins by timestamp.
func (p *Postgres) UpsertQuoteSnapshot(ctx context.Context, snap *model.QuoteSnapshot) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO quote_snapshots (
			entity_id, ts, price_usd, market_cap, fully_diluted_market_cap,
			volume_24h, volume_24h_token_count, tvl, circulating_supply, total_supply,
			volume_change_24h, percent_change_1h, percent_change_24h, percent_change_7d,
			percent_change_30d, percent_change_60d, percent_change_90d,
			market_cap_dominance, rank
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (entity_id) DO UPDATE SET
			ts = EXCLUDED.ts,
			price_usd = COALESCE(EXCLUDED.price_usd, quote_snapshots.price_usd),
			market_cap = COALESCE(EXCLUDED.market_cap, quote_snapshots.market_cap),
			fully_diluted_market_cap = COALESCE(EXCLUDED.fully_diluted_market_cap, quote_snapshots.fully_diluted_market_cap),
			volume_24h = COALESCE(EXCLUDED.volume_24h, quote_snapshots.volume_24h),
			volume_24h_token_count = COALESCE(EXCLUDED.volume_24h_token_count, quote_snapshots.volume_24h_token_count),
			tvl = COALESCE(EXCLUDED.tvl, quote_snapshots.tvl),
			circulating_supply = COALESCE(EXCLUDED.circulating_supply, quote_snapshots.circulating_supply),
			total_supply = COALESCE(EXCLUDED.total_supply, quote_snapshots.total_supply),
			volume_change_24h = COALESCE(EXCLUDED.volume_change_24h, quote_snapshots.volume_change_24h),
			percent_change_1h = COALESCE(EXCLUDED.percent_change_1h, quote_snapshots.percent_change_1h),
			percent_change_24h = COALESCE(EXCLUDED.percent_change_24h, quote_snapshots.percent_change_24h),
			percent_change_7d = COALESCE(EXCLUDED.percent_change_7d, quote_snapshots.percent_change_7d),
			percent_change_30d = COALESCE(EXCLUDED.percent_change_30d, quote_snapshots.percent_change_30d),
			percent_change_60d = COALESCE(EXCLUDED.percent_change_60d, quote_snapshots.percent_change_60d),
			percent_change_90d = COALESCE(EXCLUDED.percent_change_90d, quote_snapshots.percent_change_90d),
			market_cap_dominance = COALESCE(EXCLUDED.market_cap_dominance, quote_snapshots.market_cap_dominance),
			rank = COALESCE(EXCLUDED.rank, quote_snapshots.rank)`,
		snap.EntityID, snap.Timestamp, snap.Price, snap.MarketCap, snap.FullyDilutedMarketCap,
		snap.Volume24h, snap.Volume24hTokenCount, snap.TVL, snap.CirculatingSupply, snap.TotalSupply,
		snap.VolumeChange24h, snap.PercentChange1h, snap.PercentChange24h, snap.PercentChange7d,
		snap.PercentChange30d, snap.PercentChange60d, snap.PercentChange90d,
		snap.MarketCapDominance, snap.Rank)
	if err != nil {
		return fmt.Errorf("upsert snapshot %d: %w", snap.EntityID, err)
	}
	return nil
}

// GetQuoteSnapshot returns the asset's current snapshot or ErrNotFound.
func (p *Postgres) GetQuoteSnapshot(ctx context.Context, entityID model.EntityID) (*model.QuoteSnapshot, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT entity_id, ts, price_usd, market_cap, fully_diluted_market_cap,
			volume_24h, volume_24h_token_count, tvl, circulating_supply, total_supply,
			volume_change_24h, percent_change_1h, percent_change_24h, percent_change_7d,
			percent_change_30d, percent_change_60d, percent_change_90d,
			market_cap_dominance, rank
		FROM quote_snapshots WHERE entity_id = $1`, entityID)

	var snap model.QuoteSnapshot
	err := row.Scan(&snap.EntityID, &snap.Timestamp, &snap.Price, &snap.MarketCap,
		&snap.FullyDilutedMarketCap, &snap.Volume24h, &snap.Volume24hTokenCount,
		&snap.TVL, &snap.CirculatingSupply, &snap.TotalSupply,
		&snap.VolumeChange24h, &snap.PercentChange1h, &snap.PercentChange24h,
		&snap.PercentChange7d, &snap.PercentChange30d, &snap.PercentChange60d,
		&snap.PercentChange90d, &snap.MarketCapDominance, &snap.Rank)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %d: %w", entityID, err)
	}
	return &snap, nil
}

// UpsertKlineBar stores one bar; an existing bar for the same key is
// overwritten field-by-field.
func (p *Postgres) UpsertKlineBar(ctx context.Context, bar *model.KlineBar) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kline_bars (entity_id, timeframe, open_time, open, high, low, close, volume, volume_token_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entity_id, timeframe, open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = COALESCE(EXCLUDED.volume, kline_bars.volume),
			volume_token_count = COALESCE(EXCLUDED.volume_token_count, kline_bars.volume_token_count)`,
		bar.EntityID, bar.Timeframe, bar.OpenTime,
		bar.Open, bar.High, bar.Low, bar.Close,
		bar.Volume, bar.VolumeTokenCount)
	if err != nil {
		return fmt.Errorf("upsert bar %d/%s: %w", bar.EntityID, bar.Timeframe, err)
	}
	return nil
}

// FindEntitiesByIDs returns the subset of ids that exist as assets.
func (p *Postgres) FindEntitiesByIDs(ctx context.Context, ids []model.EntityID) (map[model.EntityID]*model.Asset, error) {
	if len(ids) == 0 {
		return map[model.EntityID]*model.Asset{}, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT entity_id, name, symbol, slug, infinite_supply
		FROM assets WHERE entity_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("find assets: %w", err)
	}
	defer rows.Close()

	assets := make(map[model.EntityID]*model.Asset, len(ids))
	for rows.Next() {
		var a model.Asset
		var slug *string
		if err := rows.Scan(&a.ID, &a.Name, &a.Symbol, &slug, &a.InfiniteSupply); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		if slug != nil {
			a.Slug = *slug
		}
		assets[a.ID] = &a
	}
	return assets, rows.Err()
}

// CountBarsFor returns the number of stored bars for one asset and timeframe.
func (p *Postgres) CountBarsFor(ctx context.Context, entityID model.EntityID, timeframe string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM kline_bars WHERE entity_id = $1 AND timeframe = $2`,
		entityID, timeframe).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count bars %d/%s: %w", entityID, timeframe, err)
	}
	return count, nil
}

// QueryBars returns bars in [rangeStart, rangeEnd], oldest first.
func (p *Postgres) QueryBars(ctx context.Context, entityID model.EntityID, timeframe string, rangeStart, rangeEnd time.Time) ([]model.KlineBar, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT entity_id, timeframe, open_time, open, high, low, close, volume, volume_token_count
		FROM kline_bars
		WHERE entity_id = $1 AND timeframe = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC`,
		entityID, timeframe, rangeStart, rangeEnd)
	if err != nil {
		return nil, fmt.Errorf("query bars %d/%s: %w", entityID, timeframe, err)
	}
	defer rows.Close()

	var bars []model.KlineBar
	for rows.Next() {
		var b model.KlineBar
		if err := rows.Scan(&b.EntityID, &b.Timeframe, &b.OpenTime,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.VolumeTokenCount); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// TopRankedIDs returns up to limit asset ids ordered by ascending rank.
func (p *Postgres) TopRankedIDs(ctx context.Context, limit int) ([]model.EntityID, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT entity_id FROM quote_snapshots
		WHERE rank IS NOT NULL
		ORDER BY rank ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("top ranked ids: %w", err)
	}
	defer rows.Close()

	var ids []model.EntityID
	for rows.Next() {
		var id model.EntityID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
