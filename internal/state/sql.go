package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"campaign-loop/internal/campaign"
)

const (
	selectStateSQL = `SELECT
        campaign_id,
        status,
        daily_budget,
        max_daily_budget,
        last_decision_at,
        cooldown_until,
        version,
        updated_at
    FROM campaign_state
    WHERE campaign_id = $1;`

	listStatesSQL = `SELECT
        campaign_id,
        status,
        daily_budget,
        max_daily_budget,
        last_decision_at,
        cooldown_until,
        version,
        updated_at
    FROM campaign_state
    ORDER BY campaign_id;`

	updateStateSQL = `UPDATE campaign_state
    SET status           = $2,
        daily_budget     = $3,
        max_daily_budget = $4,
        last_decision_at = $5,
        cooldown_until   = $6,
        version          = $7,
        updated_at       = $8
    WHERE campaign_id = $1
      AND version = $9;`

	seedStateSQL = `INSERT INTO campaign_state (
        campaign_id,
        status,
        daily_budget,
        max_daily_budget,
        last_decision_at,
        cooldown_until,
        version,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (campaign_id) DO NOTHING;`
)

// SQL is a database/sql backed Store.
type SQL struct {
	db *sql.DB
}

var _ Store = (*SQL)(nil)

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// NewSQLFromPool shares a pgx pool through the database/sql interface.
func NewSQLFromPool(pool *pgxpool.Pool) *SQL {
	return NewSQL(stdlib.OpenDBFromPool(pool))
}

func (s *SQL) Get(ctx context.Context, campaignID string) (campaign.State, error) {
	st, err := scanState(s.db.QueryRowContext(ctx, selectStateSQL, campaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.State{}, campaign.ErrNotFound
	}
	if err != nil {
		return campaign.State{}, fmt.Errorf("get campaign state: %w", err)
	}
	return st, nil
}

func (s *SQL) Save(ctx context.Context, st campaign.State) error {
	res, err := s.db.ExecContext(ctx, updateStateSQL,
		st.CampaignID,
		string(st.Status),
		st.DailyBudget.String(),
		st.MaxDailyBudget.String(),
		nullTime(st.LastDecisionAt),
		nullTimePtr(st.CooldownUntil),
		st.Version,
		st.UpdatedAt,
		st.Version-1,
	)
	if err != nil {
		return fmt.Errorf("save campaign state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save campaign state: %w", err)
	}
	if n == 0 {
		return campaign.ErrConflict
	}
	return nil
}

func (s *SQL) List(ctx context.Context) ([]campaign.State, error) {
	rows, err := s.db.QueryContext(ctx, listStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("list campaign states: %w", err)
	}
	defer rows.Close()

	states := make([]campaign.State, 0)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

func (s *SQL) Seed(ctx context.Context, st campaign.State) (bool, error) {
	if err := validate(st); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, seedStateSQL,
		st.CampaignID,
		string(st.Status),
		st.DailyBudget.String(),
		st.MaxDailyBudget.String(),
		nullTime(st.LastDecisionAt),
		nullTimePtr(st.CooldownUntil),
		st.Version,
		st.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("seed campaign state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed campaign state: %w", err)
	}
	return n > 0, nil
}

// Close releases the database handle.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (campaign.State, error) {
	var (
		st           campaign.State
		status       string
		budgetStr    string
		maxBudgetStr string
		lastDecision sql.NullTime
		cooldown     sql.NullTime
	)
	if err := row.Scan(
		&st.CampaignID,
		&status,
		&budgetStr,
		&maxBudgetStr,
		&lastDecision,
		&cooldown,
		&st.Version,
		&st.UpdatedAt,
	); err != nil {
		return campaign.State{}, err
	}

	var err error
	st.Status = campaign.Status(status)
	st.DailyBudget, err = decimal.NewFromString(budgetStr)
	if err != nil {
		return campaign.State{}, fmt.Errorf("parse daily budget: %w", err)
	}
	st.MaxDailyBudget, err = decimal.NewFromString(maxBudgetStr)
	if err != nil {
		return campaign.State{}, fmt.Errorf("parse max daily budget: %w", err)
	}
	if lastDecision.Valid {
		st.LastDecisionAt = lastDecision.Time.UTC()
	}
	if cooldown.Valid {
		until := cooldown.Time.UTC()
		st.CooldownUntil = &until
	}
	return st, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
