// Package store implements the relational persistence layer: bot
// configuration, trade history, and notifications, backed by sqlite3 via
// database/sql, matching the teacher's store_sqlite.go idiom (WAL mode,
// serializable transactions, INSERT ... ON CONFLICT DO UPDATE upserts).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"

	"gridengine/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	is_testnet INTEGER NOT NULL DEFAULT 0,
	wrapped_dek BLOB NOT NULL,
	dek_nonce BLOB NOT NULL,
	api_key_cipher BLOB NOT NULL,
	api_key_nonce BLOB NOT NULL,
	api_secret_cipher BLOB NOT NULL,
	api_secret_nonce BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_configs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	api_key_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	exchange TEXT NOT NULL DEFAULT 'binance',
	market_type TEXT NOT NULL DEFAULT 'spot',
	symbol TEXT NOT NULL,
	strategy_type TEXT NOT NULL DEFAULT 'grid',
	status TEXT NOT NULL,
	parameters TEXT NOT NULL,
	base_asset TEXT NOT NULL DEFAULT '',
	quote_asset TEXT NOT NULL DEFAULT '',
	total_investment TEXT NOT NULL DEFAULT '0',
	total_pnl TEXT NOT NULL DEFAULT '0',
	is_testnet INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	bot_config_id TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	executed_qty TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL DEFAULT 'FILLED',
	fee TEXT NOT NULL DEFAULT '0',
	fee_asset TEXT NOT NULL DEFAULT '',
	realized_pnl TEXT NOT NULL DEFAULT '0',
	executed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	level TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	is_read INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_bot_config_id ON trades(bot_config_id);
CREATE INDEX IF NOT EXISTS idx_bot_configs_status ON bot_configs(status);
`

// Store implements core.IStore over a sqlite3 database.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the sqlite3 database at dsn, enabling
// WAL mode and applying the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

var _ core.IStore = (*Store)(nil)

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetBotConfig loads one bot's configuration by id.
func (s *Store) GetBotConfig(ctx context.Context, botID string) (core.BotConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, api_key_id, exchange, market_type, symbol, strategy_type, status,
		       parameters, base_asset, quote_asset, total_investment, total_pnl,
		       is_testnet, created_at, updated_at
		FROM bot_configs WHERE id = ?`, botID)
	return scanBotConfig(row)
}

// ListActiveBotConfigs loads every bot not in a terminal stopped/error
// state, for process-startup resumption.
func (s *Store) ListActiveBotConfigs(ctx context.Context) ([]core.BotConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, api_key_id, exchange, market_type, symbol, strategy_type, status,
		       parameters, base_asset, quote_asset, total_investment, total_pnl,
		       is_testnet, created_at, updated_at
		FROM bot_configs
		WHERE status NOT IN (?, ?)`, string(core.BotStatusStopped), string(core.BotStatusError))
	if err != nil {
		return nil, fmt.Errorf("query active bot configs: %w", err)
	}
	defer rows.Close()

	var configs []core.BotConfig
	for rows.Next() {
		cfg, err := scanBotConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// SaveBotConfig upserts cfg's row.
func (s *Store) SaveBotConfig(ctx context.Context, cfg core.BotConfig) error {
	params, err := json.Marshal(cfg.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bot_configs (id, user_id, api_key_id, exchange, market_type, symbol, strategy_type,
		                          status, parameters, base_asset, quote_asset, total_investment, total_pnl,
		                          is_testnet, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			api_key_id = excluded.api_key_id,
			exchange = excluded.exchange,
			market_type = excluded.market_type,
			symbol = excluded.symbol,
			strategy_type = excluded.strategy_type,
			status = excluded.status,
			parameters = excluded.parameters,
			base_asset = excluded.base_asset,
			quote_asset = excluded.quote_asset,
			total_investment = excluded.total_investment,
			is_testnet = excluded.is_testnet,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.UserID, cfg.APIKeyID, cfg.Exchange, cfg.MarketType, cfg.Symbol, strategyTypeOrDefault(cfg.StrategyType),
		string(cfg.Status), string(params), cfg.BaseAsset, cfg.QuoteAsset, cfg.TotalInvestment.String(), cfg.TotalPnL.String(),
		boolToInt(cfg.IsTestnet), now, now)
	if err != nil {
		return fmt.Errorf("upsert bot config: %w", err)
	}
	return nil
}

// UpdateBotStatus sets a bot's lifecycle status.
func (s *Store) UpdateBotStatus(ctx context.Context, botID string, status core.BotStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_configs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), botID)
	if err != nil {
		return fmt.Errorf("update bot status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("bot config %s not found", botID)
	}
	return nil
}

// RecordTrade inserts the trade row and folds its realized PnL into the
// owning bot's cumulative total_pnl, atomically in a single transaction —
// the spec's "insert trades, update bot_configs.total_pnl" invariant.
func (s *Store) RecordTrade(ctx context.Context, t core.Trade) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (id, bot_config_id, symbol, side, price, quantity, fee, fee_asset,
		                     realized_pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BotID, t.Symbol, string(t.Side), t.Price.String(), t.Quantity.String(),
		t.Fee.String(), t.FeeAsset, t.RealizedPnL.String(), t.ExecutedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	var currentPnL string
	if err := tx.QueryRowContext(ctx, `SELECT total_pnl FROM bot_configs WHERE id = ?`, t.BotID).Scan(&currentPnL); err != nil {
		return fmt.Errorf("read current pnl: %w", err)
	}
	current, err := decimal.NewFromString(currentPnL)
	if err != nil {
		return fmt.Errorf("parse current pnl: %w", err)
	}
	updated := current.Add(t.RealizedPnL)

	if _, err := tx.ExecContext(ctx, `UPDATE bot_configs SET total_pnl = ?, updated_at = ? WHERE id = ?`,
		updated.String(), time.Now().Unix(), t.BotID); err != nil {
		return fmt.Errorf("update total pnl: %w", err)
	}

	return tx.Commit()
}

// SaveNotification inserts a best-effort notification row for userID.
func (s *Store) SaveNotification(ctx context.Context, userID, kind, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		userID, kind, message, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBotConfig(row rowScanner) (core.BotConfig, error) {
	var cfg core.BotConfig
	var status, paramsJSON, totalInvestment, totalPnL string
	var isTestnet int
	var createdAt, updatedAt int64

	if err := row.Scan(&cfg.ID, &cfg.UserID, &cfg.APIKeyID, &cfg.Exchange, &cfg.MarketType,
		&cfg.Symbol, &cfg.StrategyType, &status, &paramsJSON, &cfg.BaseAsset, &cfg.QuoteAsset,
		&totalInvestment, &totalPnL, &isTestnet, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return cfg, fmt.Errorf("bot config not found: %w", err)
		}
		return cfg, fmt.Errorf("scan bot config: %w", err)
	}

	cfg.Status = core.BotStatus(status)
	cfg.IsTestnet = isTestnet != 0
	cfg.CreatedAt = time.Unix(createdAt, 0)
	cfg.UpdatedAt = time.Unix(updatedAt, 0)

	investment, err := decimal.NewFromString(totalInvestment)
	if err != nil {
		return cfg, fmt.Errorf("parse total investment: %w", err)
	}
	cfg.TotalInvestment = investment

	pnl, err := decimal.NewFromString(totalPnL)
	if err != nil {
		return cfg, fmt.Errorf("parse total pnl: %w", err)
	}
	cfg.TotalPnL = pnl

	if err := json.Unmarshal([]byte(paramsJSON), &cfg.Parameters); err != nil {
		return cfg, fmt.Errorf("unmarshal parameters: %w", err)
	}
	return cfg, nil
}

func strategyTypeOrDefault(st string) string {
	if st == "" {
		return "grid"
	}
	return st
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
