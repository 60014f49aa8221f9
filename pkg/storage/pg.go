package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
)

var terminalStatuses = []string{
	string(htlc.StatusCompleted),
	string(htlc.StatusRefunded),
	string(htlc.StatusFailed),
}

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the relayer store
func NewStore(db *bun.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) CreateSwap(ctx context.Context, swap *htlc.Swap) error {
	now := time.Now().UTC()
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = now
	}
	swap.UpdatedAt = now

	res, err := s.db.NewInsert().
		Model(toSwapDao(swap)).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create swap: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		return ErrSwapExists
	}
	return nil
}

func (s *pgStore) GetSwap(ctx context.Context, id string) (*htlc.Swap, error) {
	dao := new(SwapDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return toSwap(dao), nil
}

func (s *pgStore) GetSwapByHashlock(ctx context.Context, hashlock string) (*htlc.Swap, error) {
	dao := new(SwapDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("hashlock = ?", hashlock).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, fmt.Errorf("failed to get swap by hashlock: %w", err)
	}
	return toSwap(dao), nil
}

func (s *pgStore) GetSwapByContract(ctx context.Context, chain htlc.Chain, contractID string) (*htlc.Swap, error) {
	dao := new(SwapDao)
	query := s.db.NewSelect().Model(dao)

	switch chain {
	case htlc.ChainEVM:
		query = query.Where("evm_contract_id = ?", contractID)
	case htlc.ChainMove:
		query = query.Where("move_contract_id = ?", contractID)
	default:
		return nil, fmt.Errorf("unknown chain %q", chain)
	}

	err := query.Order("created_at DESC").Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, fmt.Errorf("failed to get swap by contract: %w", err)
	}
	return toSwap(dao), nil
}

func (s *pgStore) UpdateSwap(ctx context.Context, id string, mutate func(*htlc.Swap) error) (*htlc.Swap, error) {
	var updated *htlc.Swap

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		dao := new(SwapDao)
		err := tx.NewSelect().
			Model(dao).
			Where("id = ?", id).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSwapNotFound
			}
			return fmt.Errorf("failed to load swap for update: %w", err)
		}

		swap := toSwap(dao)
		prev := swap.Status
		if err := mutate(swap); err != nil {
			return err
		}

		if swap.Status != prev {
			if prev.IsTerminal() {
				return fmt.Errorf("%w: %s", ErrTerminalState, prev)
			}
			if !htlc.CanTransition(prev, swap.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, swap.Status)
			}
		}

		swap.UpdatedAt = time.Now().UTC()

		query := tx.NewUpdate().Model(toSwapDao(swap)).WherePK()
		if prev.IsTerminal() {
			// Terminal swaps are absorbing; only the error trail may grow.
			restored := toSwap(dao)
			restored.ErrorMessages = swap.ErrorMessages
			restored.UpdatedAt = swap.UpdatedAt
			swap = restored
			query = tx.NewUpdate().Model(toSwapDao(swap)).WherePK().
				Column("error_messages", "updated_at")
		}
		if _, err := query.Exec(ctx); err != nil {
			return fmt.Errorf("failed to update swap: %w", err)
		}

		updated = swap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *pgStore) ListSwaps(ctx context.Context, opts ...ListOption) ([]*htlc.Swap, error) {
	options := &ListOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var daos []SwapDao
	query := s.db.NewSelect().Model(&daos).Order("created_at DESC")

	if options.Status != nil {
		query = query.Where("status = ?", string(*options.Status))
	}
	if options.Limit > 0 {
		query = query.Limit(options.Limit)
	}
	if options.Offset > 0 {
		query = query.Offset(options.Offset)
	}

	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}

	swaps := make([]*htlc.Swap, len(daos))
	for i := range daos {
		swaps[i] = toSwap(&daos[i])
	}
	return swaps, nil
}

func (s *pgStore) ExpiredSwaps(ctx context.Context, asOf time.Time) ([]*htlc.Swap, error) {
	var daos []SwapDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("expires_at <= ?", asOf).
		Where("status NOT IN (?)", bun.In(terminalStatuses)).
		Order("expires_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired swaps: %w", err)
	}

	swaps := make([]*htlc.Swap, len(daos))
	for i := range daos {
		swaps[i] = toSwap(&daos[i])
	}
	return swaps, nil
}

func (s *pgStore) CountByStatus(ctx context.Context) (map[htlc.Status]int, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}

	err := s.db.NewSelect().
		Model((*SwapDao)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to count swaps: %w", err)
	}

	counts := make(map[htlc.Status]int, len(rows))
	for _, row := range rows {
		counts[htlc.Status(row.Status)] = row.Count
	}
	return counts, nil
}

func (s *pgStore) ApplyBatch(ctx context.Context, chain htlc.Chain, events []htlc.Event, cursor uint64) ([]htlc.Event, error) {
	var fresh []htlc.Event

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for i := range events {
			res, err := tx.NewInsert().
				Model(toProcessedEventDao(&events[i])).
				On("CONFLICT (chain, contract_id, event_type, tx_hash, log_index) DO NOTHING").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to insert event %s: %w", events[i].Key(), err)
			}
			inserted, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read insert result: %w", err)
			}
			if inserted > 0 {
				fresh = append(fresh, events[i])
			}
		}
		return upsertCursor(ctx, tx, chain, cursor)
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

func (s *pgStore) EventsByContract(ctx context.Context, contractIDs ...string) ([]htlc.Event, error) {
	if len(contractIDs) == 0 {
		return nil, nil
	}

	var daos []ProcessedEventDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("contract_id IN (?)", bun.In(contractIDs)).
		Order("position ASC").
		Order("log_index ASC").
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]htlc.Event, len(daos))
	for i := range daos {
		events[i] = toEvent(&daos[i])
	}
	return events, nil
}

func (s *pgStore) Cursor(ctx context.Context, chain htlc.Chain) (uint64, bool, error) {
	dao := new(ChainCursorDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("chain = ?", string(chain)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get cursor: %w", err)
	}
	return dao.Position, true, nil
}

func (s *pgStore) SetCursor(ctx context.Context, chain htlc.Chain, position uint64) error {
	return upsertCursor(ctx, s.db, chain, position)
}

// upsertCursor advances the chain cursor. The cursor never moves backwards,
// so replayed batches cannot rewind progress.
func upsertCursor(ctx context.Context, db bun.IDB, chain htlc.Chain, position uint64) error {
	dao := &ChainCursorDao{
		Chain:     string(chain),
		Position:  position,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := db.NewInsert().
		Model(dao).
		On("CONFLICT (chain) DO UPDATE").
		Set("position = GREATEST(chain_cursors.position, EXCLUDED.position)").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

func (s *pgStore) RecordError(ctx context.Context, chain htlc.Chain, eventKey, component, message string) error {
	dao := &EventErrorDao{
		Chain:     string(chain),
		EventKey:  eventKey,
		Component: component,
		Message:   message,
	}
	if _, err := s.db.NewInsert().Model(dao).Exec(ctx); err != nil {
		return fmt.Errorf("failed to record event error: %w", err)
	}
	return nil
}
