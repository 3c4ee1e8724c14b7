// Package postgres implements domain.Store on PostgreSQL with a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/events"
	"example.com/attendance/internal/geo"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Repository provides Postgres-backed persistence for attendance documents and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RunInTx implements domain.Store. The callback's writes commit together or not at all.
func (r *Repository) RunInTx(ctx context.Context, fn func(domain.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = fn(&txn{tx: tx, pool: r.pool}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ClaimEvent records an inbound event key. It reports false when the key was already claimed.
func (r *Repository) ClaimEvent(ctx context.Context, key, eventType string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO processed_events (event_key, event_type) VALUES ($1,$2) ON CONFLICT (event_key) DO NOTHING`,
		key, eventType,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseEvent forgets a claimed key so the event can be handled again.
func (r *Repository) ReleaseEvent(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM processed_events WHERE event_key = $1`, key)
	return err
}

// UpsertUser writes a user row, keeping the points and reliability of an existing one.
func (r *Repository) UpsertUser(ctx context.Context, user domain.User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (user_id, display_name, total_points, reliability_score) VALUES ($1,$2,$3,$4)
         ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		user.ID, user.DisplayName, user.TotalPoints, user.Reliability.Score,
	)
	return err
}

// UpsertGym writes a gym row without touching its aggregate counters.
func (r *Repository) UpsertGym(ctx context.Context, gym domain.Gym) error {
	var lat, lon *float64
	if gym.Location != nil {
		lat, lon = &gym.Location.Lat, &gym.Location.Lon
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO gyms (gym_id, name, latitude, longitude, checkin_radius_m, auto_expire_minutes) VALUES ($1,$2,$3,$4,$5,$6)
         ON CONFLICT (gym_id) DO UPDATE SET name = EXCLUDED.name, latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
             checkin_radius_m = EXCLUDED.checkin_radius_m, auto_expire_minutes = EXCLUDED.auto_expire_minutes`,
		gym.ID, gym.Name, lat, lon, gym.CheckInRadiusMeters, gym.AutoExpireMinutes,
	)
	return err
}

type txn struct {
	tx pgx.Tx
	// pool serves lookups after a statement has aborted tx.
	pool *pgxpool.Pool
}

const userColumns = `user_id, display_name, total_points, reliability_score, total_scheduled, total_attended, total_no_show, total_cancelled, active_presence, points_awarded`

func (t *txn) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
}

func (t *txn) LockUser(ctx context.Context, userID string) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *txn) SaveUser(ctx context.Context, user domain.User) error {
	var active []byte
	if user.ActivePresence != nil {
		raw, err := json.Marshal(user.ActivePresence)
		if err != nil {
			return err
		}
		active = raw
	}
	awarded, err := json.Marshal(user.PointsAwarded)
	if err != nil {
		return err
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET display_name=$2, total_points=$3, reliability_score=$4, total_scheduled=$5, total_attended=$6,
             total_no_show=$7, total_cancelled=$8, active_presence=$9, points_awarded=$10, updated_at=NOW()
         WHERE user_id=$1`,
		user.ID,
		user.DisplayName,
		user.TotalPoints,
		user.Reliability.Score,
		user.Reliability.TotalScheduled,
		user.Reliability.TotalAttended,
		user.Reliability.TotalNoShow,
		user.Reliability.TotalCancelled,
		active,
		awarded,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("user %s not found", user.ID)
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u       domain.User
		active  []byte
		awarded []byte
	)
	err := row.Scan(&u.ID, &u.DisplayName, &u.TotalPoints,
		&u.Reliability.Score, &u.Reliability.TotalScheduled, &u.Reliability.TotalAttended,
		&u.Reliability.TotalNoShow, &u.Reliability.TotalCancelled,
		&active, &awarded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(active) > 0 {
		var ref domain.ActivePresenceRef
		if err := json.Unmarshal(active, &ref); err != nil {
			return nil, fmt.Errorf("decode active_presence for %s: %w", u.ID, err)
		}
		u.ActivePresence = &ref
	}
	if len(awarded) > 0 {
		if err := json.Unmarshal(awarded, &u.PointsAwarded); err != nil {
			return nil, fmt.Errorf("decode points_awarded for %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

func (t *txn) GetGym(ctx context.Context, gymID string) (*domain.Gym, error) {
	var (
		g        domain.Gym
		lat, lon *float64
	)
	err := t.tx.QueryRow(ctx,
		`SELECT gym_id, name, latitude, longitude, checkin_radius_m, auto_expire_minutes, current_presence_count FROM gyms WHERE gym_id = $1`,
		gymID,
	).Scan(&g.ID, &g.Name, &lat, &lon, &g.CheckInRadiusMeters, &g.AutoExpireMinutes, &g.CurrentPresenceCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lat != nil && lon != nil {
		g.Location = &geo.Coordinate{Lat: *lat, Lon: *lon}
	}

	rows, err := t.tx.Query(ctx, `SELECT slot_key, pending FROM gym_schedule_counts WHERE gym_id = $1 AND pending > 0`, gymID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	g.ScheduleCounts = make(map[string]int)
	for rows.Next() {
		var (
			slot    string
			pending int
		)
		if err := rows.Scan(&slot, &pending); err != nil {
			return nil, err
		}
		g.ScheduleCounts[slot] = pending
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *txn) ListGymIDs(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT gym_id FROM gyms ORDER BY gym_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *txn) AdjustPresenceCount(ctx context.Context, gymID string, delta int) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE gyms SET current_presence_count = GREATEST(0, current_presence_count + $2) WHERE gym_id = $1`,
		gymID, delta,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("gym %s not found", gymID)
	}
	return nil
}

func (t *txn) AdjustScheduleCount(ctx context.Context, gymID, slotKey string, delta int) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO gym_schedule_counts (gym_id, slot_key, pending) VALUES ($1, $2, GREATEST(0, $3::int))
         ON CONFLICT (gym_id, slot_key) DO UPDATE SET pending = GREATEST(0, gym_schedule_counts.pending + $3::int)`,
		gymID, slotKey, delta,
	)
	return mapError(err, gymID)
}

func (t *txn) SetGymCounters(ctx context.Context, gymID string, presenceCount int, slotCounts map[string]int) error {
	tag, err := t.tx.Exec(ctx, `UPDATE gyms SET current_presence_count = $2 WHERE gym_id = $1`, gymID, max(presenceCount, 0))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("gym %s not found", gymID)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM gym_schedule_counts WHERE gym_id = $1`, gymID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for slot, pending := range slotCounts {
		if pending <= 0 {
			continue
		}
		batch.Queue(`INSERT INTO gym_schedule_counts (gym_id, slot_key, pending) VALUES ($1,$2,$3)`, gymID, slot, pending)
	}
	if batch.Len() == 0 {
		return nil
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

const presenceColumns = `presence_id, user_id, gym_id, status, check_in_lat, check_in_lon, distance_m, checked_in_at, expires_at, checked_out_at, schedule_id`

func scanPresence(row pgx.Row) (domain.Presence, error) {
	var p domain.Presence
	err := row.Scan(&p.ID, &p.UserID, &p.GymID, &p.Status,
		&p.CheckInLocation.Lat, &p.CheckInLocation.Lon, &p.DistanceFromGym,
		&p.CheckedInAt, &p.ExpiresAt, &p.CheckedOutAt, &p.ScheduleID)
	return p, err
}

func (t *txn) getPresence(ctx context.Context, query string, args ...any) (*domain.Presence, error) {
	p, err := scanPresence(t.tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (t *txn) listPresences(ctx context.Context, query string, args ...any) ([]domain.Presence, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Presence, 0)
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txn) GetPresence(ctx context.Context, presenceID string) (*domain.Presence, error) {
	return t.getPresence(ctx, `SELECT `+presenceColumns+` FROM presences WHERE presence_id = $1`, presenceID)
}

func (t *txn) FindActivePresence(ctx context.Context, userID string) (*domain.Presence, error) {
	return t.getPresence(ctx,
		`SELECT `+presenceColumns+` FROM presences WHERE user_id = $1 AND status = 'ACTIVE' LIMIT 1 FOR UPDATE`,
		userID,
	)
}

func (t *txn) ListActivePresencesByGym(ctx context.Context, gymID string) ([]domain.Presence, error) {
	return t.listPresences(ctx,
		`SELECT `+presenceColumns+` FROM presences WHERE gym_id = $1 AND status = 'ACTIVE' ORDER BY checked_in_at, presence_id`,
		gymID,
	)
}

func (t *txn) ListPresencesByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Presence, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT ` + presenceColumns + ` FROM presences WHERE user_id = $1`
	if cursor != nil {
		query += ` AND (checked_in_at, presence_id) < ($3, $4)`
		args = append(args, cursor.CheckedInAt, cursor.ID)
	}
	query += ` ORDER BY checked_in_at DESC, presence_id DESC LIMIT $2`

	results, err := t.listPresences(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{CheckedInAt: last.CheckedInAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

func (t *txn) ListOverduePresences(ctx context.Context, now time.Time, limit int) ([]domain.Presence, error) {
	return t.listPresences(ctx,
		`SELECT `+presenceColumns+` FROM presences WHERE status = 'ACTIVE' AND expires_at <= $1 ORDER BY expires_at, presence_id LIMIT $2`,
		now, limitArg(limit),
	)
}

func (t *txn) InsertPresence(ctx context.Context, p domain.Presence) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO presences (`+presenceColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
         ON CONFLICT (presence_id) DO UPDATE SET
             status = EXCLUDED.status, check_in_lat = EXCLUDED.check_in_lat, check_in_lon = EXCLUDED.check_in_lon,
             distance_m = EXCLUDED.distance_m, checked_in_at = EXCLUDED.checked_in_at, expires_at = EXCLUDED.expires_at,
             checked_out_at = EXCLUDED.checked_out_at, schedule_id = EXCLUDED.schedule_id
         WHERE presences.status <> 'ACTIVE'`,
		p.ID, p.UserID, p.GymID, p.Status,
		p.CheckInLocation.Lat, p.CheckInLocation.Lon, p.DistanceFromGym,
		p.CheckedInAt, p.ExpiresAt, p.CheckedOutAt, p.ScheduleID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return t.activePresenceConflict(ctx, p.UserID)
		}
		return mapError(err, p.GymID)
	}
	if tag.RowsAffected() == 0 {
		return &domain.Error{Kind: domain.ErrConflict, Detail: "user already has an active check-in", Ref: p.GymID}
	}
	return nil
}

// activePresenceConflict names the gym holding the user's ACTIVE row after the partial unique
// index rejected a second one.
func (t *txn) activePresenceConflict(ctx context.Context, userID string) error {
	conflict := &domain.Error{Kind: domain.ErrConflict, Detail: "user already has an active check-in"}
	err := t.pool.QueryRow(ctx,
		`SELECT gym_id FROM presences WHERE user_id = $1 AND status = 'ACTIVE' LIMIT 1`, userID,
	).Scan(&conflict.Ref)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return errors.Join(conflict, err)
	}
	return conflict
}

func (t *txn) UpdatePresence(ctx context.Context, p domain.Presence, expected domain.PresenceStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE presences SET status = $2, expires_at = $3, checked_out_at = $4, schedule_id = $5
         WHERE presence_id = $1 AND status = $6`,
		p.ID, p.Status, p.ExpiresAt, p.CheckedOutAt, p.ScheduleID, expected,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const scheduleColumns = `schedule_id, user_id, gym_id, status, scheduled_time, time_slot, created_at, attended_at, cancelled_at, marked_no_show_at, presence_id`

func scanSchedule(row pgx.Row) (domain.Schedule, error) {
	var s domain.Schedule
	err := row.Scan(&s.ID, &s.UserID, &s.GymID, &s.Status, &s.ScheduledTime, &s.TimeSlot,
		&s.CreatedAt, &s.AttendedAt, &s.CancelledAt, &s.MarkedNoShowAt, &s.PresenceID)
	return s, err
}

func (t *txn) listSchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Schedule, 0)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *txn) GetSchedule(ctx context.Context, scheduleID string) (*domain.Schedule, error) {
	s, err := scanSchedule(t.tx.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = $1 FOR UPDATE`, scheduleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (t *txn) ListSchedulesByUser(ctx context.Context, userID string, status domain.ScheduleStatus) ([]domain.Schedule, error) {
	if status == "" {
		return t.listSchedules(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE user_id = $1 ORDER BY scheduled_time, schedule_id`,
			userID,
		)
	}
	return t.listSchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE user_id = $1 AND status = $2 ORDER BY scheduled_time, schedule_id`,
		userID, status,
	)
}

func (t *txn) ListOverdueSchedules(ctx context.Context, cutoff time.Time, limit int) ([]domain.Schedule, error) {
	return t.listSchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE status = 'SCHEDULED' AND scheduled_time < $1
         ORDER BY scheduled_time, schedule_id LIMIT $2`,
		cutoff, limitArg(limit),
	)
}

func (t *txn) CountScheduledBySlot(ctx context.Context, gymID string) (map[string]int, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT time_slot, COUNT(*) FROM schedules WHERE gym_id = $1 AND status = 'SCHEDULED' GROUP BY time_slot`,
		gymID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			slot  string
			count int
		)
		if err := rows.Scan(&slot, &count); err != nil {
			return nil, err
		}
		counts[slot] = count
	}
	return counts, rows.Err()
}

func (t *txn) InsertSchedule(ctx context.Context, s domain.Schedule) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
         ON CONFLICT (schedule_id) DO UPDATE SET
             gym_id = EXCLUDED.gym_id, status = EXCLUDED.status, scheduled_time = EXCLUDED.scheduled_time,
             created_at = EXCLUDED.created_at, attended_at = NULL, cancelled_at = NULL, marked_no_show_at = NULL, presence_id = NULL
         WHERE schedules.status <> 'SCHEDULED'`,
		s.ID, s.UserID, s.GymID, s.Status, s.ScheduledTime, s.TimeSlot,
		s.CreatedAt, s.AttendedAt, s.CancelledAt, s.MarkedNoShowAt, s.PresenceID,
	)
	if err != nil {
		return mapError(err, s.GymID)
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflictf("a visit is already scheduled for slot %s", s.TimeSlot)
	}
	return nil
}

func (t *txn) UpdateSchedule(ctx context.Context, s domain.Schedule, expected domain.ScheduleStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE schedules SET status = $2, attended_at = $3, cancelled_at = $4, marked_no_show_at = $5, presence_id = $6
         WHERE schedule_id = $1 AND status = $7`,
		s.ID, s.Status, s.AttendedAt, s.CancelledAt, s.MarkedNoShowAt, s.PresenceID, expected,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txn) AppendEvent(ctx context.Context, record events.Record) error {
	body, err := json.Marshal(record.Payload)
	if err != nil {
		return err
	}

	topic, ok := events.TopicFor(record.EventType)
	if !ok {
		return fmt.Errorf("unknown event type: %s", record.EventType)
	}

	const stmt = `INSERT INTO outbox (event_uuid, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = t.tx.Exec(ctx, stmt,
		record.ID,
		record.AggregateType,
		record.AggregateID,
		record.EventType,
		topic,
		events.Subject(topic),
		record.PartitionKey,
		body,
		record.OccurredAt,
	)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// mapError translates constraint violations into domain errors.
func mapError(err error, gymID string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return domain.Conflictf("user already has an active check-in")
		case pgForeignKeyViolation:
			return domain.NotFoundf("gym %s not found", gymID)
		}
	}
	return err
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
