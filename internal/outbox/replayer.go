package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"example.com/attendance/internal/events"
)

// Replayer retries dead-lettered outbox messages and quarantines entries that exhaust their retries.
type Replayer struct {
	pool       *pgxpool.Pool
	logger     zerolog.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewReplayer constructs a Replayer with the provided pool and retry configuration.
func NewReplayer(pool *pgxpool.Pool, logger zerolog.Logger, maxRetries int, baseDelay time.Duration) *Replayer {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &Replayer{pool: pool, logger: logger, maxRetries: maxRetries, baseDelay: baseDelay}
}

// RunOnce processes a batch of due DLQ entries and returns how many were requeued.
func (r *Replayer) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                   ORDER BY created_at
                   LIMIT $1`

	rows, err := r.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	entries := make([]dlqEntry, 0)
	for rows.Next() {
		entry, scanErr := scanDLQEntry(rows)
		if scanErr != nil {
			err = errors.Join(err, scanErr)
			continue
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if rowsErr := rows.Err(); rowsErr != nil {
		err = errors.Join(err, rowsErr)
	}

	requeued := 0
	for _, entry := range entries {
		ok, procErr := r.handleEntry(ctx, entry)
		if procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		recordReplay(entry, replayProcessed)
		if ok {
			requeued++
		}
	}
	r.updateBacklog(ctx)
	if requeued > 0 {
		r.logger.Info().Int("requeued", requeued).Msg("dead-lettered events requeued")
	}
	return requeued, err
}

// handleEntry applies retry or quarantine logic for a single DLQ entry and reports whether it was requeued.
func (r *Replayer) handleEntry(ctx context.Context, entry dlqEntry) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if entry.RetryCount >= r.maxRetries {
		if _, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, "retry limit reached", entry.ID); err != nil {
			return false, err
		}
		recordReplay(entry, replayQuarantined)
		r.logger.Warn().Int64("dlq_id", entry.ID).Str("event_type", entry.EventType).Msg("dead-lettered event quarantined")
		return false, tx.Commit(ctx)
	}

	if insertErr := requeueOutbox(ctx, tx, entry); insertErr != nil {
		// The failed insert aborted tx, so the retry is recorded outside it.
		_ = tx.Rollback(ctx)
		delay := r.backoffDelay(entry.RetryCount + 1)
		if _, err := r.pool.Exec(ctx,
			`UPDATE outbox_dlq
               SET retry_count = retry_count + 1,
                   last_attempt_at = NOW(),
                   next_retry_at = NOW() + $1::interval,
                   reason = $2
             WHERE dlq_id = $3`,
			delay, insertErr.Error(), entry.ID,
		); err != nil {
			return false, err
		}
		recordReplay(entry, replayRetry)
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	recordReplay(entry, replayRequeued)
	return true, nil
}

// updateBacklog refreshes the per-topic DLQ backlog gauge. Topics with no entries read zero.
func (r *Replayer) updateBacklog(ctx context.Context) {
	rows, err := r.pool.Query(ctx, `SELECT topic, COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL GROUP BY topic`)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dlq backlog query failed")
		return
	}
	defer rows.Close()

	counts := make(map[string]int, len(events.Topics()))
	for _, topic := range events.Topics() {
		counts[topic] = 0
	}
	for rows.Next() {
		var (
			topic string
			count int
		)
		if err := rows.Scan(&topic, &count); err != nil {
			r.logger.Warn().Err(err).Msg("dlq backlog scan failed")
			return
		}
		counts[topic] = count
	}
	for topic, count := range counts {
		dlqBacklogGauge.WithLabelValues(topic).Set(float64(count))
	}
}

// backoffDelay calculates exponential backoff capped at one hour.
func (r *Replayer) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * r.baseDelay
	if delay > time.Hour || delay <= 0 {
		delay = time.Hour
	}
	return delay
}

// requeueOutbox reinserts the payload into the primary outbox table under a fresh event UUID.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	const stmt = `INSERT INTO outbox (event_uuid, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
                   VALUES (gen_random_uuid(),$1,$2,$3,$4,$5,$6,$7)`

	_, err := tx.Exec(ctx, stmt,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	)
	return err
}

// dlqEntry represents an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(rows pgx.Rows) (dlqEntry, error) {
	var entry dlqEntry
	if err := rows.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason, &entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount); err != nil {
		return dlqEntry{}, err
	}
	return entry, nil
}
