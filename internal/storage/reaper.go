package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"job-result-store/internal/config"
	"job-result-store/internal/monitor"
)

// reaperStartupGrace delays the first firing so the reaper never competes
// with startup traffic.
const reaperStartupGrace = 15 * time.Second

const (
	selectExpiredSQL = `SELECT request_id FROM results WHERE request_date < $1`
	deleteExpiredSQL = `DELETE FROM results WHERE request_id = ANY($1)`
)

// Reaper periodically deletes records older than the configured threshold,
// along with their spilled files. A failed firing is logged and the loop
// waits for the next tick; it never stops on a transient storage failure.
type Reaper struct {
	store        *Store
	period       time.Duration
	threshold    time.Duration
	initialDelay time.Duration
}

func NewReaper(store *Store, cfg config.WipeConfig) *Reaper {
	period := cfg.Period
	if period <= 0 {
		period = time.Hour
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 7 * 24 * time.Hour
	}
	return &Reaper{
		store:        store,
		period:       period,
		threshold:    threshold,
		initialDelay: reaperStartupGrace,
	}
}

// Run fires the reaper on its period until the context is cancelled.
// Returns nil on graceful shutdown.
func (r *Reaper) Run(ctx context.Context) error {
	log.Info().
		Dur("period", r.period).
		Dur("threshold", r.threshold).
		Msg("record reaper started")

	select {
	case <-time.After(r.initialDelay):
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("record reaper stopping")
			return nil
		case <-ticker.C:
			r.fire(ctx)
		}
	}
}

func (r *Reaper) fire(ctx context.Context) {
	count, err := r.store.ReapOnce(ctx, r.threshold)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		log.Warn().Err(err).Msg("failed to delete old records")
		r.store.metrics.ReapCycles.WithLabelValues("error").Inc()
		return
	}
	r.store.metrics.ReapCycles.WithLabelValues("ok").Inc()
	r.store.metrics.ReapedRecords.Add(float64(count))
	if count > 0 {
		log.Info().Int64("count", count).Msg("cleaned old records from database")
	}
}

// ReapOnce performs a single reaping pass: finds records whose REQUEST_DATE
// is older than now minus threshold, removes spilled files for the matching
// output records, and deletes the rows in one batched statement. Returns the
// number of rows deleted.
func (s *Store) ReapOnce(ctx context.Context, threshold time.Duration) (int64, error) {
	ctx, span := s.tracer.StartSpan(ctx, "reap")
	defer span.End()

	cutoff := time.Now().UTC().Add(-threshold)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	ids, err := s.expiredIDs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("finding expired records: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if s.policy.Spills() {
		for _, id := range ids {
			if !IsOutputID(id) {
				continue
			}
			if err := s.policy.RemoveSpilled(id); err != nil {
				log.Warn().Err(err).Str("id", id).Msg("could not remove spilled response file")
			}
		}
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("deleting expired records: %w", err)
	}
	tag, err := tx.Exec(ctx, deleteExpiredSQL, ids)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("deleting expired records: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing expired record deletion: %w", err)
	}
	span.SetAttributes(monitor.AttrReapedCount.Int64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func (s *Store) expiredIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.conn.Query(ctx, selectExpiredSQL, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
