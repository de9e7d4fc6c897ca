// Package snapshot reads the engine's persisted state from its PostgreSQL
// database.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/pkg/apperr"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is a read-only view over the engine tables. In multi-user mode every
// query is filtered by user_id.
type Store struct {
	db    *gorm.DB
	multi bool
}

// Open connects to dsn.
func Open(dsn string, multi bool) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("snapshot dsn is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	return NewFromDB(db, multi), nil
}

// NewFromDB wraps an existing connection.
func NewFromDB(db *gorm.DB, multi bool) *Store {
	return &Store{db: db, multi: multi}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) scoped(ctx context.Context, identity string) *gorm.DB {
	q := s.db.WithContext(ctx)
	if s.multi {
		q = q.Where("user_id = ?", identity)
	}
	return q
}

func unavailable(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNoData
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.ErrTimeout.Wrap(err)
	}
	return apperr.ErrDatabaseUnavailable.Wrap(err)
}

// Balance returns the newest account snapshot and when it was taken.
func (s *Store) Balance(ctx context.Context, identity string) (engine.Balance, time.Time, error) {
	var row accountRow
	if err := s.scoped(ctx, identity).Order("created_at DESC").Take(&row).Error; err != nil {
		return engine.Balance{}, time.Time{}, unavailable(err)
	}
	return row.toBalance(), row.CreatedAt.UTC(), nil
}

// Positions returns open positions. An empty table is reported as no data.
func (s *Store) Positions(ctx context.Context, identity, symbol string) ([]engine.Position, time.Time, error) {
	var rows []positionRow
	q := s.scoped(ctx, identity).Where("size > 0")
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if err := q.Order("symbol").Find(&rows).Error; err != nil {
		return nil, time.Time{}, unavailable(err)
	}
	if len(rows) == 0 {
		return nil, time.Time{}, apperr.ErrNoData
	}
	var asOf time.Time
	out := make([]engine.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPosition())
		if r.UpdatedAt.After(asOf) {
			asOf = r.UpdatedAt
		}
	}
	return out, asOf.UTC(), nil
}

// Trades returns trades newest first.
func (s *Store) Trades(ctx context.Context, identity string, tq engine.TradeQuery) ([]engine.Trade, error) {
	var rows []tradeRow
	q := s.scoped(ctx, identity)
	if tq.Status != "" {
		q = q.Where("status = ?", tq.Status)
	}
	if tq.Symbol != "" {
		q = q.Where("symbol = ?", tq.Symbol)
	}
	if tq.Offset > 0 {
		q = q.Offset(tq.Offset)
	}
	if tq.Limit > 0 {
		q = q.Limit(tq.Limit)
	}
	if err := q.Order("opened_at DESC").Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}
	if len(rows) == 0 {
		return nil, apperr.ErrNoData
	}
	out := make([]engine.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTrade())
	}
	return out, nil
}

func (s *Store) Trade(ctx context.Context, identity, id string) (engine.Trade, error) {
	var row tradeRow
	if err := s.scoped(ctx, identity).Where("id = ?", id).Take(&row).Error; err != nil {
		return engine.Trade{}, unavailable(err)
	}
	return row.toTrade(), nil
}

// Decisions returns AI decisions newest first.
func (s *Store) Decisions(ctx context.Context, identity string, dq engine.DecisionQuery) ([]engine.Decision, error) {
	var rows []decisionRow
	q := s.scoped(ctx, identity)
	if dq.Action != "" {
		q = q.Where("action = ?", dq.Action)
	}
	if dq.Offset > 0 {
		q = q.Offset(dq.Offset)
	}
	if dq.Limit > 0 {
		q = q.Limit(dq.Limit)
	}
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}
	if len(rows) == 0 {
		return nil, apperr.ErrNoData
	}
	out := make([]engine.Decision, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDecision())
	}
	return out, nil
}

// Status reports what the tables say about an engine that is not answering
// live: trade and position counts, never running.
func (s *Store) Status(ctx context.Context, identity string) (engine.Status, error) {
	var total, open int64
	if err := s.scoped(ctx, identity).Model(&tradeRow{}).Count(&total).Error; err != nil {
		return engine.Status{}, unavailable(err)
	}
	if err := s.scoped(ctx, identity).Model(&positionRow{}).Where("size > 0").Count(&open).Error; err != nil {
		return engine.Status{}, unavailable(err)
	}
	if total == 0 && open == 0 {
		return engine.Status{}, apperr.ErrNoData
	}
	return engine.Status{
		State:         engine.StateStopped,
		Symbols:       []string{},
		TotalTrades:   int(total),
		OpenPositions: int(open),
	}, nil
}
