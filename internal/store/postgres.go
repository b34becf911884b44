package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	var c model.Challenge
	var seed string

	err := s.pool.QueryRow(ctx,
		`SELECT id, title, seed_balance::TEXT, speed_factor, period_start, period_end
		 FROM challenges WHERE id = $1`, id).
		Scan(&c.ID, &c.Title, &seed, &c.SpeedFactor, &c.PeriodStart, &c.PeriodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge %s: %w", id, err)
	}
	c.SeedBalance, _ = decimal.NewFromString(seed)

	rows, err := s.pool.Query(ctx,
		`SELECT instrument_key FROM instruments WHERE challenge_id = $1 ORDER BY instrument_key`, id)
	if err != nil {
		return nil, fmt.Errorf("get challenge %s instruments: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		c.InstrumentKeys = append(c.InstrumentKeys, key)
	}
	return &c, rows.Err()
}

func (s *PostgresStore) ResolveInstrument(ctx context.Context, challengeID, instrumentKey string) (*model.Instrument, error) {
	var in model.Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT challenge_id, instrument_key, actual_ticker, type
		 FROM instruments WHERE challenge_id = $1 AND instrument_key = $2`,
		challengeID, instrumentKey).
		Scan(&in.ChallengeID, &in.InstrumentKey, &in.ActualTicker, &in.Type)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument %s in challenge %s: %w", instrumentKey, challengeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve instrument %s/%s: %w", challengeID, instrumentKey, err)
	}
	return &in, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context, challengeID string) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT challenge_id, instrument_key, actual_ticker, type
		 FROM instruments WHERE challenge_id = $1 ORDER BY instrument_key`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []model.Instrument
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.ChallengeID, &in.InstrumentKey, &in.ActualTicker, &in.Type); err != nil {
			return nil, err
		}
		instruments = append(instruments, in)
	}
	return instruments, rows.Err()
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.ChallengeSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, challenge_id, user_id, status, seed_balance, current_balance,
		                       speed_factor, simulated_start, simulated_end, started_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11)`,
		sess.ID, sess.ChallengeID, sess.UserID, sess.Status,
		sess.SeedBalance.String(), sess.CurrentBalance.String(),
		sess.SpeedFactor, sess.SimulatedStart, sess.SimulatedEnd, sess.StartedAt, sess.ClosedAt,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.ChallengeSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT id, challenge_id, user_id, status, seed_balance::TEXT, current_balance::TEXT,
		        speed_factor, simulated_start, simulated_end, started_at, closed_at
		 FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessionsByChallenge(ctx context.Context, challengeID string) ([]model.ChallengeSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, challenge_id, user_id, status, seed_balance::TEXT, current_balance::TEXT,
		        speed_factor, simulated_start, simulated_end, started_at, closed_at
		 FROM sessions WHERE challenge_id = $1 ORDER BY started_at`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ChallengeSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *model.ChallengeSession) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $2, current_balance = $3::NUMERIC, closed_at = $4
		 WHERE id = $1`,
		sess.ID, sess.Status, sess.CurrentBalance.String(), sess.ClosedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, session_id, instrument_key, side, quantity, order_type, limit_price,
		                     executed_price, slippage_rate, status, reject_reason, ordered_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
		o.ID, o.SessionID, o.InstrumentKey, o.Side,
		o.Quantity.String(), o.Type, o.LimitPrice.String(),
		o.ExecutedPrice.String(), o.SlippageRate.String(),
		o.Status, o.RejectReason, o.OrderedAt, o.ExecutedAt,
	)
	return err
}

func (s *PostgresStore) ListOrdersBySession(ctx context.Context, sessionID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, instrument_key, side, quantity::TEXT, order_type, limit_price::TEXT,
		        executed_price::TEXT, slippage_rate::TEXT, status, reject_reason, ordered_at, executed_at
		 FROM orders WHERE session_id = $1 ORDER BY ordered_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var qty, limit, price, slip string
		if err := rows.Scan(&o.ID, &o.SessionID, &o.InstrumentKey, &o.Side,
			&qty, &o.Type, &limit, &price, &slip,
			&o.Status, &o.RejectReason, &o.OrderedAt, &o.ExecutedAt); err != nil {
			return nil, err
		}
		o.Quantity, _ = decimal.NewFromString(qty)
		o.LimitPrice, _ = decimal.NewFromString(limit)
		o.ExecutedPrice, _ = decimal.NewFromString(price)
		o.SlippageRate, _ = decimal.NewFromString(slip)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, sessionID, instrumentKey string) (*model.PortfolioPosition, error) {
	var p model.PortfolioPosition
	var qty, avg, cost, pnl string

	err := s.pool.QueryRow(ctx,
		`SELECT session_id, instrument_key, quantity::TEXT, average_price::TEXT, total_cost::TEXT, realized_pnl::TEXT
		 FROM positions WHERE session_id = $1 AND instrument_key = $2`,
		sessionID, instrumentKey).
		Scan(&p.SessionID, &p.InstrumentKey, &qty, &avg, &cost, &pnl)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", sessionID, instrumentKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", sessionID, instrumentKey, err)
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AveragePrice, _ = decimal.NewFromString(avg)
	p.TotalCost, _ = decimal.NewFromString(cost)
	p.RealizedPnL, _ = decimal.NewFromString(pnl)
	return &p, nil
}

func (s *PostgresStore) ListPositionsBySession(ctx context.Context, sessionID string) ([]model.PortfolioPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, instrument_key, quantity::TEXT, average_price::TEXT, total_cost::TEXT, realized_pnl::TEXT
		 FROM positions WHERE session_id = $1 ORDER BY instrument_key`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.PortfolioPosition
	for rows.Next() {
		var p model.PortfolioPosition
		var qty, avg, cost, pnl string
		if err := rows.Scan(&p.SessionID, &p.InstrumentKey, &qty, &avg, &cost, &pnl); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AveragePrice, _ = decimal.NewFromString(avg)
		p.TotalCost, _ = decimal.NewFromString(cost)
		p.RealizedPnL, _ = decimal.NewFromString(pnl)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.PortfolioPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (session_id, instrument_key, quantity, average_price, total_cost, realized_pnl)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (session_id, instrument_key) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     average_price = EXCLUDED.average_price,
		     total_cost = EXCLUDED.total_cost,
		     realized_pnl = EXCLUDED.realized_pnl`,
		p.SessionID, p.InstrumentKey,
		p.Quantity.String(), p.AveragePrice.String(), p.TotalCost.String(), p.RealizedPnL.String(),
	)
	return err
}

func (s *PostgresStore) SaveLeaderboard(ctx context.Context, challengeID string, entries []model.LeaderboardEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM leaderboard_entries WHERE challenge_id = $1`, challengeID); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO leaderboard_entries (rank, challenge_id, session_id, user_id,
			                                  portfolio_value, pnl, return_percentage, calculated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
			e.Rank, e.ChallengeID, e.SessionID, e.UserID,
			e.PortfolioValue.String(), e.PnL.String(), e.ReturnPercentage.String(), e.CalculatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT rank, challenge_id, session_id, user_id,
		        portfolio_value::TEXT, pnl::TEXT, return_percentage::TEXT, calculated_at
		 FROM leaderboard_entries WHERE challenge_id = $1 ORDER BY rank`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var value, pnl, ret string
		if err := rows.Scan(&e.Rank, &e.ChallengeID, &e.SessionID, &e.UserID,
			&value, &pnl, &ret, &e.CalculatedAt); err != nil {
			return nil, err
		}
		e.PortfolioValue, _ = decimal.NewFromString(value)
		e.PnL, _ = decimal.NewFromString(pnl)
		e.ReturnPercentage, _ = decimal.NewFromString(ret)
		entries = append(entries, e)
	}
	if entries == nil {
		return nil, fmt.Errorf("leaderboard %s: %w", challengeID, ErrNotFound)
	}
	return entries, rows.Err()
}

// PostgresPriceSeries implements PriceSeries over the price_candles table.
type PostgresPriceSeries struct {
	pool *pgxpool.Pool
}

// NewPostgresPriceSeries creates a Postgres-backed price series.
func NewPostgresPriceSeries(pool *pgxpool.Pool) *PostgresPriceSeries {
	return &PostgresPriceSeries{pool: pool}
}

func (s *PostgresPriceSeries) PriceAt(ctx context.Context, challengeID, instrumentKey string, ts time.Time) (*model.Candle, error) {
	var c model.Candle
	var open, high, low, closeP, volume string

	err := s.pool.QueryRow(ctx,
		`SELECT instrument_key, timestamp, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume::TEXT
		 FROM price_candles
		 WHERE challenge_id = $1 AND instrument_key = $2 AND timestamp <= $3
		 ORDER BY timestamp DESC LIMIT 1`,
		challengeID, instrumentKey, ts).
		Scan(&c.InstrumentKey, &c.Timestamp, &open, &high, &low, &closeP, &volume)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("price series %s/%s at %s: %w",
			challengeID, instrumentKey, ts.Format(time.RFC3339), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("price at %s/%s: %w", challengeID, instrumentKey, err)
	}

	c.Open, _ = decimal.NewFromString(open)
	c.High, _ = decimal.NewFromString(high)
	c.Low, _ = decimal.NewFromString(low)
	c.Close, _ = decimal.NewFromString(closeP)
	c.Volume, _ = decimal.NewFromString(volume)
	return &c, nil
}

// sessionScanner abstracts pgx.Row/pgx.Rows for scanSession.
type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row sessionScanner) (*model.ChallengeSession, error) {
	var sess model.ChallengeSession
	var seed, balance string

	if err := row.Scan(&sess.ID, &sess.ChallengeID, &sess.UserID, &sess.Status,
		&seed, &balance,
		&sess.SpeedFactor, &sess.SimulatedStart, &sess.SimulatedEnd,
		&sess.StartedAt, &sess.ClosedAt); err != nil {
		return nil, err
	}
	sess.SeedBalance, _ = decimal.NewFromString(seed)
	sess.CurrentBalance, _ = decimal.NewFromString(balance)
	return &sess, nil
}
