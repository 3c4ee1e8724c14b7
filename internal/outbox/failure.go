package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultClaimLease is how long a claimed row is reserved for the dispatcher that claimed it.
const DefaultClaimLease = 30 * time.Second

// PostgresQueue is the outbox Queue backed by the outbox and outbox_dlq tables.
type PostgresQueue struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

// NewPostgresQueue initialises a queue backed by the provided connection pool. A claimed row is
// skipped by other dispatchers until lease has passed without it being published.
func NewPostgresQueue(pool *pgxpool.Pool, lease time.Duration) *PostgresQueue {
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &PostgresQueue{pool: pool, lease: lease}
}

// Claim locks up to limit unpublished rows that are unclaimed or whose lease expired, stamps
// claimed_at and returns them in insertion order.
func (q *PostgresQueue) Claim(ctx context.Context, limit int) (messages []Message, err error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const query = `SELECT event_id, event_uuid::text, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload
        FROM outbox
        WHERE published_at IS NULL
          AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2::double precision))
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, limit, q.lease.Seconds())
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.EventID, &msg.EventUUID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.SchemaSubject, &msg.PartitionKey, &msg.Payload); err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		_ = tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkPublished stamps published_at on the given rows.
func (q *PostgresQueue) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	return err
}

// MoveToDLQ records a failed outbox message in the DLQ alongside the supplied reason.
func (q *PostgresQueue) MoveToDLQ(ctx context.Context, msg Message, reason string) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, NOW())`,
		msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason, msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
	)
	return err
}
