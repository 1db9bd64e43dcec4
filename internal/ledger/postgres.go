package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaign-loop/internal/campaign"
)

// ErrNotConfigured indicates the ledger pool was not initialised.
var ErrNotConfigured = errors.New("ledger: pool not configured")

const uniqueViolation = "23505"

const (
	insertRecordSQL = `INSERT INTO feedback_records (
        cycle_id,
        campaign_id,
        recorded_at,
        decision_ts,
        action,
        outcome,
        applied,
        metrics,
        signals,
        decision,
        dispatch_result
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    RETURNING seq;`

	hasAppliedSQL = `SELECT EXISTS (
        SELECT 1 FROM feedback_records
        WHERE campaign_id = $1
          AND decision_ts = $2
          AND applied
    );`

	selectRecordColumns = `SELECT
        seq,
        cycle_id,
        campaign_id,
        recorded_at,
        outcome,
        applied,
        metrics,
        signals,
        decision,
        dispatch_result
    FROM feedback_records`

	listByCampaignSQL = `SELECT * FROM (` + selectRecordColumns + `
    WHERE campaign_id = $1
    ORDER BY seq DESC
    LIMIT $2) r
    ORDER BY seq;`

	listRecentSQL = selectRecordColumns + `
    ORDER BY seq DESC
    LIMIT $1;`

	listBetweenSQL = selectRecordColumns + `
    WHERE recorded_at >= $1
      AND recorded_at < $2
    ORDER BY seq;`

	recentSamplesSQL = `SELECT metrics FROM (
        SELECT seq, metrics FROM (
            SELECT DISTINCT ON (sample_cycle) seq, metrics FROM (
                SELECT seq, metrics, COALESCE(NULLIF(metrics->>'cycle_id', ''), seq::text) AS sample_cycle
                FROM feedback_records
                WHERE campaign_id = $1
                  AND metrics IS NOT NULL
            ) tagged
            ORDER BY sample_cycle, seq
        ) firsts
        ORDER BY seq DESC
        LIMIT $2
    ) s
    ORDER BY seq;`
)

// querier is the part of *pgxpool.Pool the ledger uses.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres is a pgx-backed Store.
type Postgres struct {
	pool querier
}

var _ Store = (*Postgres)(nil)

// NewPostgres wires a pgx pool into a ledger Store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	if pool == nil {
		return &Postgres{}
	}
	return &Postgres{pool: pool}
}

func (p *Postgres) getPool() (querier, error) {
	if p == nil || p.pool == nil {
		return nil, ErrNotConfigured
	}
	return p.pool, nil
}

func (p *Postgres) Append(ctx context.Context, rec campaign.FeedbackRecord) (campaign.FeedbackRecord, error) {
	pool, err := p.getPool()
	if err != nil {
		return campaign.FeedbackRecord{}, err
	}

	var (
		decisionTS any
		action     any
	)
	if rec.Decision != nil {
		decisionTS = rec.Decision.Timestamp
		action = string(rec.Decision.Action)
	}

	metrics, err := marshalNullable(rec.Metrics)
	if err != nil {
		return campaign.FeedbackRecord{}, err
	}
	signals, err := marshalNullable(rec.Signals)
	if err != nil {
		return campaign.FeedbackRecord{}, err
	}
	decision, err := marshalNullable(rec.Decision)
	if err != nil {
		return campaign.FeedbackRecord{}, err
	}
	result, err := json.Marshal(rec.DispatchResult)
	if err != nil {
		return campaign.FeedbackRecord{}, fmt.Errorf("marshal dispatch result: %w", err)
	}

	scanErr := pool.QueryRow(ctx, insertRecordSQL,
		rec.CycleID,
		rec.CampaignID,
		rec.RecordedAt,
		decisionTS,
		action,
		string(rec.Outcome),
		rec.Applied,
		metrics,
		signals,
		decision,
		result,
	).Scan(&rec.Seq)
	if scanErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(scanErr, &pgErr) && pgErr.Code == uniqueViolation {
			return campaign.FeedbackRecord{}, campaign.ErrConflict
		}
		return campaign.FeedbackRecord{}, fmt.Errorf("insert feedback record: %w", scanErr)
	}
	return rec, nil
}

func (p *Postgres) HasApplied(ctx context.Context, campaignID string, decisionTS time.Time) (bool, error) {
	pool, err := p.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := pool.QueryRow(ctx, hasAppliedSQL, campaignID, decisionTS).Scan(&exists); err != nil {
		return false, fmt.Errorf("check applied decision: %w", err)
	}
	return exists, nil
}

func (p *Postgres) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]campaign.FeedbackRecord, error) {
	return p.query(ctx, "list records by campaign", listByCampaignSQL, campaignID, limitOrAll(limit))
}

func (p *Postgres) Recent(ctx context.Context, limit int) ([]campaign.FeedbackRecord, error) {
	return p.query(ctx, "list recent records", listRecentSQL, limitOrAll(limit))
}

func (p *Postgres) Between(ctx context.Context, from, to time.Time) ([]campaign.FeedbackRecord, error) {
	return p.query(ctx, "list records between", listBetweenSQL, from, to)
}

func (p *Postgres) RecentSamples(ctx context.Context, campaignID string, n int) ([]campaign.MetricSample, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentSamplesSQL, campaignID, limitOrAll(n))
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]campaign.MetricSample, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sample campaign.MetricSample
		if err := json.Unmarshal(raw, &sample); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func (p *Postgres) query(ctx context.Context, op, sql string, args ...any) ([]campaign.FeedbackRecord, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, sql, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	records := make([]campaign.FeedbackRecord, 0)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRecord(rows pgx.Rows) (campaign.FeedbackRecord, error) {
	var (
		rec       campaign.FeedbackRecord
		outcome   string
		metrics   []byte
		signals   []byte
		decision  []byte
		resultRaw []byte
	)
	if err := rows.Scan(
		&rec.Seq,
		&rec.CycleID,
		&rec.CampaignID,
		&rec.RecordedAt,
		&outcome,
		&rec.Applied,
		&metrics,
		&signals,
		&decision,
		&resultRaw,
	); err != nil {
		return campaign.FeedbackRecord{}, err
	}
	rec.Outcome = campaign.Outcome(outcome)
	rec.RecordedAt = rec.RecordedAt.UTC()

	if len(metrics) > 0 {
		rec.Metrics = new(campaign.MetricSample)
		if err := json.Unmarshal(metrics, rec.Metrics); err != nil {
			return campaign.FeedbackRecord{}, fmt.Errorf("decode metrics: %w", err)
		}
	}
	if len(signals) > 0 {
		rec.Signals = new(campaign.SignalSnapshot)
		if err := json.Unmarshal(signals, rec.Signals); err != nil {
			return campaign.FeedbackRecord{}, fmt.Errorf("decode signals: %w", err)
		}
	}
	if len(decision) > 0 {
		rec.Decision = new(campaign.Decision)
		if err := json.Unmarshal(decision, rec.Decision); err != nil {
			return campaign.FeedbackRecord{}, fmt.Errorf("decode decision: %w", err)
		}
	}
	if err := json.Unmarshal(resultRaw, &rec.DispatchResult); err != nil {
		return campaign.FeedbackRecord{}, fmt.Errorf("decode dispatch result: %w", err)
	}
	return rec, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return raw, nil
}

// limitOrAll maps a non-positive limit to Postgres' LIMIT ALL.
func limitOrAll(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}
