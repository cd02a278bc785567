// Package storage 持久化成交记录、持仓、历史 K 线和回测结果 (PostgreSQL)
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id            BIGSERIAL PRIMARY KEY,
	run_id        TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	type          TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	amount        DOUBLE PRECISION NOT NULL,
	price         DOUBLE PRECISION NOT NULL,
	capital_after DOUBLE PRECISION NOT NULL,
	profit        DOUBLE PRECISION NOT NULL DEFAULT 0,
	reason        TEXT NOT NULL DEFAULT '',
	order_id      TEXT NOT NULL DEFAULT '',
	position_ref  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades (symbol, ts);

CREATE TABLE IF NOT EXISTS positions (
	ref             TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	entry_time      TIMESTAMPTZ NOT NULL,
	entry_price     DOUBLE PRECISION NOT NULL,
	amount          DOUBLE PRECISION NOT NULL,
	current_price   DOUBLE PRECISION NOT NULL,
	unrealized_pnl  DOUBLE PRECISION NOT NULL,
	stop_loss_price DOUBLE PRECISION NOT NULL,
	status          TEXT NOT NULL,
	exit_time       TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);

CREATE TABLE IF NOT EXISTS historical_prices (
	symbol    TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	open      DOUBLE PRECISION NOT NULL,
	high      DOUBLE PRECISION NOT NULL,
	low       DOUBLE PRECISION NOT NULL,
	close     DOUBLE PRECISION NOT NULL,
	volume    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (symbol, timeframe, ts)
);

CREATE TABLE IF NOT EXISTS backtest_results (
	id                    BIGSERIAL PRIMARY KEY,
	run_id                TEXT NOT NULL,
	symbol                TEXT NOT NULL,
	strategy_name         TEXT NOT NULL,
	timeframe             TEXT NOT NULL,
	start_date            TIMESTAMPTZ NOT NULL,
	end_date              TIMESTAMPTZ NOT NULL,
	initial_capital       DOUBLE PRECISION NOT NULL,
	final_capital         DOUBLE PRECISION NOT NULL,
	total_return_pct      DOUBLE PRECISION,
	annualized_return_pct DOUBLE PRECISION,
	max_drawdown_pct      DOUBLE PRECISION,
	volatility            DOUBLE PRECISION,
	sharpe_ratio          DOUBLE PRECISION,
	sortino_ratio         DOUBLE PRECISION,
	total_trades          INTEGER,
	winning_trades        INTEGER,
	losing_trades         INTEGER,
	win_rate              DOUBLE PRECISION,
	avg_win               DOUBLE PRECISION,
	avg_loss              DOUBLE PRECISION,
	profit_factor         DOUBLE PRECISION,
	buyhold_return_pct    DOUBLE PRECISION,
	outperformance_pct    DOUBLE PRECISION,
	extra_data            JSONB,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Open 建立连接池并检查连通性
func Open(ctx context.Context, cfg service.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Postgres 实现引擎的 TradeStore 以及回测需要的 K 线缓存
// runID 区分不同进程写入的记录
type Postgres struct {
	db      *sqlx.DB
	runID   string
	timeout time.Duration
}

// NewPostgres 每次查询都使用 timeout 作为超时
func NewPostgres(db *sqlx.DB, runID string, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Postgres{db: db, runID: runID, timeout: timeout}
}

func (p *Postgres) RunID() string { return p.runID }

// Migrate 创建缺失的表
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// AppendTrade 追加一条成交记录
func (p *Postgres) AppendTrade(ctx context.Context, trade model.TradeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		INSERT INTO trades (run_id, ts, type, symbol, amount, price, capital_after, profit, reason, order_id, position_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := p.db.ExecContext(ctx, query,
		p.runID, trade.Timestamp, string(trade.Type), trade.Symbol, trade.Amount, trade.Price,
		trade.CapitalAfter, trade.Profit, trade.Reason, trade.OrderID, trade.PositionRef)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// SavePosition 按 ref 插入或更新持仓
func (p *Postgres) SavePosition(ctx context.Context, pos model.Position) error {
	if pos.Ref == "" {
		return errors.New("position ref is required")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime, Valid: true}
	}

	query := `
		INSERT INTO positions (ref, run_id, symbol, entry_time, entry_price, amount, current_price,
			unrealized_pnl, stop_loss_price, status, exit_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (ref) DO UPDATE SET
			current_price = EXCLUDED.current_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			stop_loss_price = EXCLUDED.stop_loss_price,
			status = EXCLUDED.status,
			exit_time = EXCLUDED.exit_time,
			updated_at = now()`

	_, err := p.db.ExecContext(ctx, query,
		pos.Ref, p.runID, pos.Symbol, pos.EntryTime, pos.EntryPrice, pos.Amount, pos.CurrentPrice,
		pos.UnrealizedPnL, pos.StopLossPrice, string(pos.Status), exitTime)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.Ref, err)
	}
	return nil
}

type positionRow struct {
	Ref           string       `db:"ref"`
	Symbol        string       `db:"symbol"`
	EntryTime     time.Time    `db:"entry_time"`
	EntryPrice    float64      `db:"entry_price"`
	Amount        float64      `db:"amount"`
	CurrentPrice  float64      `db:"current_price"`
	UnrealizedPnL float64      `db:"unrealized_pnl"`
	StopLossPrice float64      `db:"stop_loss_price"`
	Status        string       `db:"status"`
	ExitTime      sql.NullTime `db:"exit_time"`
}

func (r positionRow) toModel() model.Position {
	pos := model.Position{
		Ref:           r.Ref,
		Symbol:        r.Symbol,
		EntryTime:     r.EntryTime.UTC(),
		EntryPrice:    r.EntryPrice,
		Amount:        r.Amount,
		CurrentPrice:  r.CurrentPrice,
		UnrealizedPnL: r.UnrealizedPnL,
		StopLossPrice: r.StopLossPrice,
		Status:        model.PositionStatus(r.Status),
	}
	if r.ExitTime.Valid {
		pos.ExitTime = r.ExitTime.Time.UTC()
	}
	return pos
}

// OpenPositions 读取某个交易对所有 OPEN 持仓 (按开仓时间升序)
func (p *Postgres) OpenPositions(ctx context.Context, symbol string) ([]model.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT ref, symbol, entry_time, entry_price, amount, current_price, unrealized_pnl,
			stop_loss_price, status, exit_time
		FROM positions
		WHERE symbol = $1 AND status = 'OPEN'
		ORDER BY entry_time ASC`

	var rows []positionRow
	if err := p.db.SelectContext(ctx, &rows, query, symbol); err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}

	positions := make([]model.Position, len(rows))
	for i, r := range rows {
		positions[i] = r.toModel()
	}
	return positions, nil
}

type tradeRow struct {
	Timestamp    time.Time `db:"ts"`
	Type         string    `db:"type"`
	Symbol       string    `db:"symbol"`
	Amount       float64   `db:"amount"`
	Price        float64   `db:"price"`
	CapitalAfter float64   `db:"capital_after"`
	Profit       float64   `db:"profit"`
	Reason       string    `db:"reason"`
	OrderID      string    `db:"order_id"`
	PositionRef  string    `db:"position_ref"`
}

// Trades 读取 since 之后的成交记录，按时间倒序，最多 limit 条
func (p *Postgres) Trades(ctx context.Context, symbol string, since time.Time, limit int) ([]model.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT ts, type, symbol, amount, price, capital_after, profit, reason, order_id, position_ref
		FROM trades
		WHERE symbol = $1 AND ts >= $2
		ORDER BY ts DESC
		LIMIT $3`

	var rows []tradeRow
	if err := p.db.SelectContext(ctx, &rows, query, symbol, since, limit); err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}

	trades := make([]model.TradeRecord, len(rows))
	for i, r := range rows {
		trades[i] = model.TradeRecord{
			Timestamp:    r.Timestamp.UTC(),
			Type:         model.TradeType(r.Type),
			Symbol:       r.Symbol,
			Amount:       r.Amount,
			Price:        r.Price,
			CapitalAfter: r.CapitalAfter,
			Profit:       r.Profit,
			Reason:       r.Reason,
			OrderID:      r.OrderID,
			PositionRef:  r.PositionRef,
		}
	}
	return trades, nil
}

type barRow struct {
	Timestamp time.Time `db:"ts"`
	Open      float64   `db:"open"`
	High      float64   `db:"high"`
	Low       float64   `db:"low"`
	Close     float64   `db:"close"`
	Volume    float64   `db:"volume"`
}

// CachedBars 读取 [start, end] 内已缓存的 K 线，按时间升序
func (p *Postgres) CachedBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.KLine, error) {
	interval, err := service.ParseIntervalDuration(timeframe)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT ts, open, high, low, close, volume
		FROM historical_prices
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC`

	var rows []barRow
	if err := p.db.SelectContext(ctx, &rows, query, symbol, timeframe, start, end); err != nil {
		return nil, fmt.Errorf("failed to query historical prices: %w", err)
	}

	bars := make([]model.KLine, len(rows))
	for i, r := range rows {
		startTime := r.Timestamp.UTC()
		bars[i] = model.KLine{
			Symbol:    symbol,
			Interval:  timeframe,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
			StartTime: startTime,
			EndTime:   startTime.Add(interval),
		}
	}
	return bars, nil
}

// UpsertBars 在一个事务中写入 K 线，已存在的 (symbol, timeframe, ts) 覆盖
func (p *Postgres) UpsertBars(ctx context.Context, bars []model.KLine) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout*time.Duration(len(bars)/100+1))
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO historical_prices (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.Interval, b.StartTime, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return 0, fmt.Errorf("failed to upsert bar %s %s: %w", b.Symbol, b.StartTime.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bars: %w", err)
	}
	return len(bars), nil
}

// BacktestRecord backtest_results 表的一行
type BacktestRecord struct {
	Symbol              string
	StrategyName        string
	Timeframe           string
	StartDate           time.Time
	EndDate             time.Time
	InitialCapital      float64
	FinalCapital        float64
	TotalReturnPct      float64
	AnnualizedReturnPct float64
	MaxDrawdownPct      float64
	Volatility          float64
	SharpeRatio         float64
	SortinoRatio        float64
	TotalTrades         int
	WinningTrades       int
	LosingTrades        int
	WinRate             float64
	AvgWin              float64
	AvgLoss             float64
	ProfitFactor        float64
	BuyHoldReturnPct    float64
	OutperformancePct   float64
	Extra               map[string]any
}

// SaveBacktestResult 保存一次回测的统计结果，返回记录 ID
func (p *Postgres) SaveBacktestResult(ctx context.Context, rec BacktestRecord) (int64, error) {
	extra, err := json.Marshal(rec.Extra)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal extra data: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		INSERT INTO backtest_results (run_id, symbol, strategy_name, timeframe, start_date, end_date,
			initial_capital, final_capital, total_return_pct, annualized_return_pct, max_drawdown_pct,
			volatility, sharpe_ratio, sortino_ratio, total_trades, winning_trades, losing_trades,
			win_rate, avg_win, avg_loss, profit_factor, buyhold_return_pct, outperformance_pct, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24)
		RETURNING id`

	var id int64
	err = p.db.QueryRowxContext(ctx, query,
		p.runID, rec.Symbol, rec.StrategyName, rec.Timeframe, rec.StartDate, rec.EndDate,
		rec.InitialCapital, rec.FinalCapital, rec.TotalReturnPct, rec.AnnualizedReturnPct, rec.MaxDrawdownPct,
		rec.Volatility, rec.SharpeRatio, rec.SortinoRatio, rec.TotalTrades, rec.WinningTrades, rec.LosingTrades,
		rec.WinRate, rec.AvgWin, rec.AvgLoss, rec.ProfitFactor, rec.BuyHoldReturnPct, rec.OutperformancePct, extra).
		Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23502" {
			return 0, fmt.Errorf("backtest result missing required field (%s): %w", pqErr.Column, err)
		}
		return 0, fmt.Errorf("failed to insert backtest result: %w", err)
	}
	return id, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
