package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bytestrike/matcher/pkg/app/core"
)

const createTradesTable = `
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	market_id    TEXT        NOT NULL,
	price_x18    NUMERIC(78) NOT NULL,
	size         NUMERIC(78) NOT NULL,
	taker        TEXT        NOT NULL,
	maker        TEXT        NOT NULL,
	maker_nonce  BIGINT      NOT NULL,
	taker_is_buy BOOLEAN     NOT NULL,
	settlement   TEXT        NOT NULL,
	tx_hash      TEXT,
	executed_at  TIMESTAMPTZ NOT NULL
)`

const insertTrade = `
INSERT INTO trades (id, market_id, price_x18, size, taker, maker, maker_nonce, taker_is_buy, settlement, tx_hash, executed_at)
VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

// PostgresTradeLog mirrors settled trades into a relational table for
// reporting.
type PostgresTradeLog struct {
	pool *pgxpool.Pool
}

func NewPostgresTradeLog(ctx context.Context, dsn string) (*PostgresTradeLog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgresql config: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 15 * time.Minute
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgresql pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgresql: %w", err)
	}
	if _, err := pool.Exec(ctx, createTradesTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create trades table: %w", err)
	}
	return &PostgresTradeLog{pool: pool}, nil
}

func (p *PostgresTradeLog) AppendTrade(ctx context.Context, t core.Trade) error {
	var txHash *string
	if t.TxHash != (common.Hash{}) {
		h := t.TxHash.Hex()
		txHash = &h
	}
	_, err := p.pool.Exec(ctx, insertTrade,
		t.ID,
		t.MarketID.Hex(),
		t.Price.Dec(),
		t.Size.Dec(),
		t.Taker.Hex(),
		t.Maker.Hex(),
		int64(t.MakerNonce),
		t.TakerIsBuy,
		t.Settlement.String(),
		txHash,
		t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (p *PostgresTradeLog) Close() { p.pool.Close() }

var _ TradeLog = (*PostgresTradeLog)(nil)
