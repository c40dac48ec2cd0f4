package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/me/floe/pkg/model"
)

const lockColumns = `SELECT id, site_id, queue_id, unique_name, priority, retry_count, lock_expire_time, lock_agent_id FROM queued_task_locks`

func scanLock(row rowScanner) (*model.QueuedLock, error) {
	var l model.QueuedLock
	var queueID sql.NullInt64
	var expire sql.NullInt64
	var agent sql.NullString

	err := row.Scan(&l.ID, &l.SiteID, &queueID, &l.UniqueName, &l.Priority,
		&l.RetryCount, &expire, &agent)
	if err != nil {
		return nil, err
	}
	if queueID.Valid {
		l.QueueID = &queueID.Int64
	}
	l.LockExpireTime = unixToTime(expire)
	if agent.Valid {
		l.LockAgentID = &agent.String
	}
	return &l, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, siteID int64, queueName string, priority int, uniqueName string) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "queued_task_locks", "site", siteID, "name", uniqueName)

	var queueID any
	if queueName != "" {
		q, err := s.GetOrCreateQueue(ctx, siteID, queueName, 1)
		if err != nil {
			return 0, err
		}
		queueID = q.ID
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_task_locks (site_id, queue_id, unique_name, priority) VALUES (?, ?, ?, ?)`,
		siteID, queueID, uniqueName, priority)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, model.NewConflictError("task %q is already queued for site %d", uniqueName, siteID)
		}
		return 0, err
	}
	return res.LastInsertId()
}

// lockTasks claims up to count unlocked handles matching cond, capped so
// that at most cap handles of the pool are locked at once. Callers hold
// the pool's keyed mutex, so the count-then-claim pair stays consistent.
func (s *SQLiteStore) lockTasks(ctx context.Context, cond string, condArgs []any, poolCap int, agentID string, count, lockSeconds int) ([]*model.QueuedLock, error) {
	now := time.Now()
	expire := now.Add(time.Duration(lockSeconds) * time.Second).Unix()

	var locks []*model.QueuedLock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var held int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queued_task_locks WHERE `+cond+` AND lock_expire_time IS NOT NULL AND lock_expire_time > ?`,
			append(append([]any{}, condArgs...), now.Unix())...,
		).Scan(&held); err != nil {
			return err
		}

		n := poolCap - held
		if n > count {
			n = count
		}
		if n <= 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			lockColumns+` WHERE `+cond+` AND lock_expire_time IS NULL ORDER BY priority DESC, id ASC LIMIT ?`,
			append(append([]any{}, condArgs...), n)...)
		if err != nil {
			return err
		}
		for rows.Next() {
			l, err := scanLock(rows)
			if err != nil {
				rows.Close()
				return err
			}
			locks = append(locks, l)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, l := range locks {
			if _, err := tx.ExecContext(ctx,
				`UPDATE queued_task_locks SET lock_expire_time = ?, lock_agent_id = ? WHERE id = ?`,
				expire, agentID, l.ID); err != nil {
				return err
			}
			t := time.Unix(expire, 0).UTC()
			l.LockExpireTime = &t
			l.LockAgentID = &agentID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locks, nil
}

func (s *SQLiteStore) LockSharedTasks(ctx context.Context, siteID int64, agentID string, count int, lockSeconds int) ([]*model.QueuedLock, error) {
	s.logger.Debug("sql", "op", "lock", "table", "queued_task_locks", "site", siteID, "agent", agentID, "count", count)

	unlock := s.locks.Lock(fmt.Sprintf("queue/site/%d", siteID))
	defer unlock()

	return s.lockTasks(ctx, `site_id = ? AND queue_id IS NULL`, []any{siteID},
		s.sharedCap, agentID, count, lockSeconds)
}

func (s *SQLiteStore) LockQueueBoundTasks(ctx context.Context, queueID int64, agentID string, count int, lockSeconds int) ([]*model.QueuedLock, error) {
	s.logger.Debug("sql", "op", "lock", "table", "queued_task_locks", "queue", queueID, "agent", agentID, "count", count)

	unlock := s.locks.Lock(fmt.Sprintf("queue/bound/%d", queueID))
	defer unlock()

	var maxConcurrency int
	err := s.db.QueryRowContext(ctx,
		`SELECT max_concurrency FROM queues WHERE id = ?`, queueID,
	).Scan(&maxConcurrency)
	if err == sql.ErrNoRows {
		return nil, model.NewNotFoundError("queue", fmt.Sprintf("%d", queueID))
	}
	if err != nil {
		return nil, err
	}

	return s.lockTasks(ctx, `queue_id = ?`, []any{queueID},
		maxConcurrency, agentID, count, lockSeconds)
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, siteID int64, lockIDs []int64, agentID string, lockSeconds int) error {
	if len(lockIDs) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "heartbeat", "table", "queued_task_locks", "site", siteID, "agent", agentID, "count", len(lockIDs))

	expire := time.Now().Add(time.Duration(lockSeconds) * time.Second).Unix()
	query := fmt.Sprintf(
		`UPDATE queued_task_locks SET lock_expire_time = ?
		 WHERE site_id = ? AND lock_agent_id = ? AND lock_expire_time IS NOT NULL AND id IN (%s)`,
		placeholders(len(lockIDs)))
	args := append([]any{expire, siteID, agentID}, int64Args(lockIDs)...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(lockIDs) {
		return model.NewConflictError("heartbeat extended %d of %d locks; the rest expired or belong to another agent", n, len(lockIDs))
	}
	return nil
}

func (s *SQLiteStore) DeleteLock(ctx context.Context, siteID int64, lockID int64, agentID string) error {
	s.logger.Debug("sql", "op", "delete", "table", "queued_task_locks", "site", siteID, "id", lockID)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queued_task_locks WHERE id = ? AND site_id = ? AND lock_agent_id = ?`,
		lockID, siteID, agentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NewConflictError("lock %d is not held by agent %s", lockID, agentID)
	}
	return nil
}

func (s *SQLiteStore) DeleteLockByUniqueName(ctx context.Context, siteID int64, uniqueName string, agentID string) error {
	s.logger.Debug("sql", "op", "delete", "table", "queued_task_locks", "site", siteID, "name", uniqueName)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queued_task_locks WHERE site_id = ? AND unique_name = ? AND lock_agent_id = ?`,
		siteID, uniqueName, agentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NewConflictError("lock %q is not held by agent %s", uniqueName, agentID)
	}
	return nil
}

func (s *SQLiteStore) ExpireLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_task_locks
		 SET lock_expire_time = NULL, lock_agent_id = NULL, retry_count = retry_count + 1
		 WHERE lock_expire_time IS NOT NULL AND lock_expire_time <= ?`,
		now.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("released expired task locks", "count", n)
	}
	return n, nil
}

func (s *SQLiteStore) GetOrCreateQueue(ctx context.Context, siteID int64, name string, maxConcurrency int) (*model.Queue, error) {
	s.logger.Debug("sql", "op", "upsert", "table", "queues", "site", siteID, "name", name)

	get := func() (*model.Queue, error) {
		var q model.Queue
		err := s.db.QueryRowContext(ctx,
			`SELECT id, site_id, name, max_concurrency FROM queues WHERE site_id = ? AND name = ?`,
			siteID, name,
		).Scan(&q.ID, &q.SiteID, &q.Name, &q.MaxConcurrency)
		if err != nil {
			return nil, err
		}
		return &q, nil
	}

	q, err := get()
	if err == nil {
		return q, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queues (site_id, name, max_concurrency) VALUES (?, ?, ?)`,
		siteID, name, maxConcurrency)
	if err != nil {
		if isUniqueViolation(err) {
			return get()
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.Queue{ID: id, SiteID: siteID, Name: name, MaxConcurrency: maxConcurrency}, nil
}

func (s *SQLiteStore) ActiveSiteIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT DISTINCT site_id FROM queued_task_locks ORDER BY site_id`)
}
