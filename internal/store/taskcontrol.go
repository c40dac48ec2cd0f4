package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/me/floe/pkg/model"
)

// maxTasksPerAttempt bounds dynamic tree growth. Generated subtasks count
// against the same limit as initial tasks.
const maxTasksPerAttempt = 1000

// sweepPageSize is the page size for keyset-paginated sweep queries.
const sweepPageSize = 1000

const taskColumns = `SELECT id, attempt_id, parent_id, full_name, task_type, config, state, state_flags, state_params, report, error, export_params, store_params, retry_at, retry_count, started_at, updated_at FROM tasks`

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var parentID sql.NullInt64
	var taskType, state string
	var flags int
	var config, stateParams string
	var report, errPayload sql.NullString
	var exportParams, storeParams sql.NullString
	var retryAt sql.NullInt64
	var startedAt sql.NullString
	var updatedAt string

	err := row.Scan(&t.ID, &t.AttemptID, &parentID, &t.FullName, &taskType,
		&config, &state, &flags, &stateParams, &report, &errPayload,
		&exportParams, &storeParams, &retryAt, &t.RetryCount, &startedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		t.ParentID = &parentID.Int64
	}
	t.TaskType = model.TaskType(taskType)
	t.State = model.TaskState(state)
	if t.Flags, err = model.NewTaskStateFlags(flags); err != nil {
		return nil, err
	}
	if t.Config, err = model.ParseParams(config); err != nil {
		return nil, fmt.Errorf("unmarshal task config: %w", err)
	}
	if t.StateParams, err = model.ParseParams(stateParams); err != nil {
		return nil, fmt.Errorf("unmarshal task state params: %w", err)
	}
	if report.Valid {
		if t.Report, err = model.ParseParams(report.String); err != nil {
			return nil, fmt.Errorf("unmarshal task report: %w", err)
		}
	}
	if errPayload.Valid {
		if t.Error, err = model.ParseParams(errPayload.String); err != nil {
			return nil, fmt.Errorf("unmarshal task error: %w", err)
		}
	}
	if exportParams.Valid {
		if t.ExportParams, err = model.ParseParams(exportParams.String); err != nil {
			return nil, fmt.Errorf("unmarshal task export params: %w", err)
		}
	}
	if storeParams.Valid {
		if t.StoreParams, err = model.ParseParams(storeParams.String); err != nil {
			return nil, fmt.Errorf("unmarshal task store params: %w", err)
		}
	}
	t.RetryAt = unixToTime(retryAt)
	if t.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func queryTasks(ctx context.Context, ex sqlExecer, query string, args ...any) ([]*model.Task, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func queryUpstreams(ctx context.Context, ex sqlExecer, taskID int64) ([]int64, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT upstream_id FROM task_dependencies WHERE downstream_id = ? ORDER BY upstream_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertTask(ctx context.Context, ex sqlExecer, t *model.Task) (int64, error) {
	config, err := marshalParams(t.Config)
	if err != nil {
		return 0, err
	}
	stateParams, err := marshalParams(t.StateParams)
	if err != nil {
		return 0, err
	}
	state := t.State
	if state == "" {
		state = model.TaskStateBlocked
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO tasks (attempt_id, parent_id, full_name, task_type, config, state, state_flags, state_params, retry_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AttemptID, nullableInt64(t.ParentID), t.FullName, string(t.TaskType),
		config, string(state), int(t.Flags), stateParams, t.RetryCount,
		formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func stateArgs(states []model.TaskState) []any {
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return args
}

// --- Task reads ---

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)

	t, err := scanTask(s.db.QueryRowContext(ctx, taskColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, model.NewNotFoundError("task", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, err
	}
	if t.Upstreams, err = queryUpstreams(ctx, s.db, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) ListTasksOfAttempt(ctx context.Context, attemptID int64) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "attempt", attemptID)

	tasks, err := queryTasks(ctx, s.db, taskColumns+` WHERE attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Upstreams, err = queryUpstreams(ctx, s.db, t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLiteStore) GetTaskCount(ctx context.Context, attemptID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE attempt_id = ?`, attemptID,
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) TaskRelations(ctx context.Context, attemptID int64) ([]model.TaskRelation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id FROM tasks WHERE attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []model.TaskRelation
	for rows.Next() {
		var rel model.TaskRelation
		var parentID sql.NullInt64
		if err := rows.Scan(&rel.ID, &parentID); err != nil {
			return nil, err
		}
		if parentID.Valid {
			rel.ParentID = &parentID.Int64
		}
		relations = append(relations, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range relations {
		if relations[i].Upstreams, err = queryUpstreams(ctx, s.db, relations[i].ID); err != nil {
			return nil, err
		}
	}
	return relations, nil
}

// --- State transitions ---

// casUpdate runs an UPDATE guarded by the expected current state and
// reports whether the row was changed. A miss is not an error.
func (s *SQLiteStore) casUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, id int64, before, after model.TaskState) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "before", before, "after", after)
	return s.casUpdate(ctx,
		`UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(after), formatTime(time.Now()), id, string(before))
}

func (s *SQLiteStore) SetStartedState(ctx context.Context, id int64, before, after model.TaskState) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "before", before, "after", after)
	now := time.Now()
	return s.casUpdate(ctx,
		`UPDATE tasks SET state = ?, started_at = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(after), formatTime(now), formatTime(now), id, string(before))
}

func (s *SQLiteStore) SetDoneState(ctx context.Context, id int64, before, after model.TaskState) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "before", before, "after", after)
	return s.casUpdate(ctx,
		`UPDATE tasks SET state = ?, retry_at = NULL, updated_at = ? WHERE id = ? AND state = ?`,
		string(after), formatTime(time.Now()), id, string(before))
}

func (s *SQLiteStore) SetSuccessStateShortCircuit(ctx context.Context, id int64, before, after model.TaskState, result model.TaskResult) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "before", before, "after", after)
	report, err := marshalParams(result.Report)
	if err != nil {
		return false, err
	}
	exported, stored, err := marshalResultParams(result)
	if err != nil {
		return false, err
	}
	return s.casUpdate(ctx,
		`UPDATE tasks SET state = ?, report = ?, export_params = ?, store_params = ?, error = NULL, retry_at = NULL, state_params = '{}', updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(after), report, exported, stored, formatTime(time.Now()), id, string(before))
}

// marshalResultParams encodes a result's parameter updates.
func marshalResultParams(result model.TaskResult) (exported, stored any, err error) {
	if exported, err = nullableParams(result.ExportParams); err != nil {
		return nil, nil, err
	}
	if stored, err = nullableParams(result.StoreParams); err != nil {
		return nil, nil, err
	}
	return exported, stored, nil
}

func (s *SQLiteStore) SetErrorStateShortCircuit(ctx context.Context, id int64, before, after model.TaskState, errPayload model.Params) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "before", before, "after", after)
	payload, err := marshalParams(errPayload)
	if err != nil {
		return false, err
	}
	return s.casUpdate(ctx,
		`UPDATE tasks SET state = ?, error = ?, retry_at = NULL, updated_at = ? WHERE id = ? AND state = ?`,
		string(after), payload, formatTime(time.Now()), id, string(before))
}

func (s *SQLiteStore) SetPlannedStateSuccessful(ctx context.Context, id int64, before, after model.TaskState, result model.TaskResult) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "before", before, "after", after)
	report, err := marshalParams(result.Report)
	if err != nil {
		return false, err
	}
	exported, stored, err := marshalResultParams(result)
	if err != nil {
		return false, err
	}
	return s.casUpdate(ctx,
		`UPDATE tasks SET state = ?, report = ?, export_params = ?, store_params = ?, error = NULL, state_params = '{}', updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(after), report, exported, stored, formatTime(time.Now()), id, string(before))
}

func (s *SQLiteStore) SetPlannedStateWithDelayedError(ctx context.Context, id int64, before, after model.TaskState, flags int, errPayload model.Params) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "before", before, "after", after, "flags", flags)

	// The first error wins: a delayed error recorded while planning error
	// handlers must not overwrite the original failure payload.
	var payload any
	if !errPayload.IsEmpty() {
		text, err := marshalParams(errPayload)
		if err != nil {
			return false, err
		}
		payload = text
	}
	return s.casUpdate(ctx,
		`UPDATE tasks SET state = ?, state_flags = state_flags | ?, error = COALESCE(error, ?), updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(after), flags, payload, formatTime(time.Now()), id, string(before))
}

func (s *SQLiteStore) SetRetryWaitingState(ctx context.Context, id int64, before, after model.TaskState, retryInterval time.Duration, stateParams, errPayload model.Params) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", id, "before", before, "after", after, "interval", retryInterval)

	sp, err := marshalParams(stateParams)
	if err != nil {
		return false, err
	}
	var payload any
	if !errPayload.IsEmpty() {
		text, err := marshalParams(errPayload)
		if err != nil {
			return false, err
		}
		payload = text
	}
	retryAt := time.Now().Add(retryInterval).Unix()
	return s.casUpdate(ctx,
		`UPDATE tasks SET state = ?, retry_at = ?, retry_count = retry_count + 1,
		        state_params = ?, error = COALESCE(?, error), updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(after), retryAt, sp, payload, formatTime(time.Now()), id, string(before))
}

// --- Propagation primitives ---

// TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled wakes the
// BLOCKED children of parentID whose upstream siblings have all succeeded.
// Cancel-requested children short-circuit to CANCELED and grouping
// children to PLANNED (their own children are planned lazily). The update
// is a no-op unless the parent is in a state that can run children.
func (s *SQLiteStore) TrySetChildrenBlockedToReadyOrShortCircuitPlannedOrCanceled(ctx context.Context, parentID int64) (int64, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "parent", parentID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
		    state = CASE
		        WHEN state_flags & ? != 0 THEN ?
		        WHEN task_type = ? THEN ?
		        ELSE ?
		    END,
		    updated_at = ?
		 WHERE parent_id = ? AND state = ?
		   AND (SELECT state FROM tasks p WHERE p.id = ?) IN (?, ?)
		   AND NOT EXISTS (
		       SELECT 1 FROM task_dependencies d
		       JOIN tasks up ON up.id = d.upstream_id
		       WHERE d.downstream_id = tasks.id AND up.state != ?
		   )`,
		int(model.TaskFlagCancelRequested), string(model.TaskStateCanceled),
		string(model.TaskTypeGrouping), string(model.TaskStatePlanned),
		string(model.TaskStateReady),
		formatTime(time.Now()),
		parentID, string(model.TaskStateBlocked),
		parentID, string(model.TaskStatePlanned), string(model.TaskStateSuccess),
		string(model.TaskStateSuccess))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TrySetRetryWaitingToReady wakes all waiting tasks whose retry_at has
// passed, across all attempts.
func (s *SQLiteStore) TrySetRetryWaitingToReady(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, retry_at = NULL, started_at = NULL, updated_at = ?
		 WHERE state IN (?, ?) AND retry_at IS NOT NULL AND retry_at <= ?`,
		string(model.TaskStateReady), formatTime(time.Now()),
		string(model.TaskStateRetryWaiting), string(model.TaskStateGroupRetryWaiting),
		time.Now().Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("sql", "op", "update", "table", "tasks", "woken", n)
	}
	return n, err
}

// IsAnyProgressibleChild reports whether any child can still make forward
// progress. A BLOCKED child counts only while none of its upstream
// siblings has failed terminally; once an upstream is ERROR, GROUP_ERROR,
// or CANCELED the child can never run and stops holding its parent open.
func (s *SQLiteStore) IsAnyProgressibleChild(ctx context.Context, taskID int64) (bool, error) {
	progressing := model.ProgressingStates()
	query := fmt.Sprintf(
		`SELECT EXISTS (
		    SELECT 1 FROM tasks c WHERE c.parent_id = ?
		    AND (c.state IN (%s)
		         OR (c.state = ? AND NOT EXISTS (
		             SELECT 1 FROM task_dependencies d
		             JOIN tasks up ON up.id = d.upstream_id
		             WHERE d.downstream_id = c.id AND up.state IN (?, ?, ?))))
		 )`,
		placeholders(len(progressing)))
	args := append([]any{taskID}, stateArgs(progressing)...)
	args = append(args, string(model.TaskStateBlocked),
		string(model.TaskStateError), string(model.TaskStateGroupError), string(model.TaskStateCanceled))

	var exists bool
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists)
	return exists, err
}

// IsAnyErrorChild considers only the latest task per full name, so stale
// failures replaced by a group retry do not count.
func (s *SQLiteStore) IsAnyErrorChild(ctx context.Context, taskID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM tasks t
		    JOIN (SELECT MAX(id) AS id FROM tasks WHERE parent_id = ? GROUP BY full_name) latest
		      ON latest.id = t.id
		    WHERE t.state IN (?, ?) OR t.state_flags & ? != 0
		 )`,
		taskID,
		string(model.TaskStateError), string(model.TaskStateGroupError),
		int(model.TaskFlagDelayedError|model.TaskFlagDelayedGroupError),
	).Scan(&exists)
	return exists, err
}

func (s *SQLiteStore) CollectChildrenErrors(ctx context.Context, taskID int64) ([]model.Params, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.error FROM tasks t
		 JOIN (SELECT MAX(id) AS id FROM tasks WHERE parent_id = ? GROUP BY full_name) latest
		   ON latest.id = t.id
		 WHERE t.error IS NOT NULL ORDER BY t.id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errors []model.Params
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		p, err := model.ParseParams(text)
		if err != nil {
			return nil, fmt.Errorf("unmarshal child error: %w", err)
		}
		if !p.IsEmpty() {
			errors = append(errors, p)
		}
	}
	return errors, rows.Err()
}

// --- Sweep queries ---

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) FindTasksByState(ctx context.Context, state model.TaskState, lastID int64) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM tasks WHERE state = ? AND id > ? ORDER BY id LIMIT ?`,
		string(state), lastID, sweepPageSize)
}

func (s *SQLiteStore) FindDirectParentsOfBlockedTasks(ctx context.Context, lastID int64) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT DISTINCT parent_id FROM tasks
		 WHERE state = ? AND parent_id IS NOT NULL AND parent_id > ?
		 ORDER BY parent_id LIMIT ?`,
		string(model.TaskStateBlocked), lastID, sweepPageSize)
}

func (s *SQLiteStore) FindRootTasksByStates(ctx context.Context, states []model.TaskState, lastID int64) ([]*model.Task, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		taskColumns+` WHERE parent_id IS NULL AND state IN (%s) AND id > ? ORDER BY id LIMIT %d`,
		placeholders(len(states)), sweepPageSize)
	args := append(stateArgs(states), lastID)
	return queryTasks(ctx, s.db, query, args...)
}

func (s *SQLiteStore) FindAllReadyTaskIDs(ctx context.Context, limit int) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM tasks WHERE state = ? ORDER BY id LIMIT ?`,
		string(model.TaskStateReady), limit)
}

// --- Dynamic tree growth ---

func (s *SQLiteStore) AddSubtask(ctx context.Context, attemptID int64, task *model.Task) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "attempt", attemptID, "name", task.FullName)
	task.AttemptID = attemptID
	return insertTask(ctx, s.db, task)
}

func (s *SQLiteStore) AddDependencies(ctx context.Context, downstreamID int64, upstreamIDs []int64) error {
	if len(upstreamIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertDependencies(ctx, tx, downstreamID, upstreamIDs)
	})
}

func insertDependencies(ctx context.Context, ex sqlExecer, downstreamID int64, upstreamIDs []int64) error {
	for _, up := range upstreamIDs {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO task_dependencies (upstream_id, downstream_id) VALUES (?, ?)`,
			up, downstreamID); err != nil {
			return err
		}
	}
	return nil
}

// AddTaskTree inserts specs as a subtree under parentID. Specs with a nil
// ParentIndex attach directly to parentID and receive rootUpstreamIDs as
// additional dependencies. Returns the number of inserted tasks.
func (s *SQLiteStore) AddTaskTree(ctx context.Context, attemptID, parentID int64, specs []model.TaskSpec, rootUpstreamIDs []int64, initial bool) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "attempt", attemptID, "parent", parentID, "count", len(specs))

	if err := model.ValidateSpecs(specs); err != nil {
		return 0, err
	}

	var inserted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := addTaskTree(ctx, tx, attemptID, parentID, specs, rootUpstreamIDs, initial, nil)
		inserted = n
		return err
	})
	return inserted, err
}

// AddResumedSubtask copies a succeeded task from an earlier attempt into
// attemptID under parentID. The row arrives terminal, carrying the source's
// recorded report and parameter updates, so it is never dispatched again.
func (s *SQLiteStore) AddResumedSubtask(ctx context.Context, attemptID, parentID int64, source *model.Task) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "attempt", attemptID, "name", source.FullName, "resumed", true)

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertResumedTask(ctx, tx, attemptID, parentID, source)
		return err
	})
	return id, err
}

func insertResumedTask(ctx context.Context, ex sqlExecer, attemptID, parentID int64, source *model.Task) (int64, error) {
	config, err := marshalParams(source.Config)
	if err != nil {
		return 0, err
	}
	report, err := nullableParams(source.Report)
	if err != nil {
		return 0, err
	}
	exported, err := nullableParams(source.ExportParams)
	if err != nil {
		return 0, err
	}
	stored, err := nullableParams(source.StoreParams)
	if err != nil {
		return 0, err
	}
	updatedAt := source.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO tasks (attempt_id, parent_id, full_name, task_type, config, state, state_flags, state_params, report, export_params, store_params, retry_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '{}', ?, ?, ?, 0, ?)`,
		attemptID, parentID, source.FullName, string(source.TaskType), config,
		string(model.TaskStateSuccess), int(model.TaskFlagInitialTask),
		report, exported, stored, formatTime(updatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func addTaskTree(ctx context.Context, ex sqlExecer, attemptID, parentID int64, specs []model.TaskSpec, rootUpstreamIDs []int64, initial bool, resumed map[string]*model.Task) (int64, error) {
	var count int64
	if err := ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE attempt_id = ?`, attemptID,
	).Scan(&count); err != nil {
		return 0, err
	}
	if count+int64(len(specs)) > maxTasksPerAttempt {
		return 0, &model.TaskLimitError{Limit: maxTasksPerAttempt, Current: count}
	}

	var parentFullName string
	err := ex.QueryRowContext(ctx,
		`SELECT full_name FROM tasks WHERE id = ? AND attempt_id = ?`, parentID, attemptID,
	).Scan(&parentFullName)
	if err == sql.ErrNoRows {
		return 0, model.NewNotFoundError("task", fmt.Sprintf("%d", parentID))
	}
	if err != nil {
		return 0, err
	}

	ids := make([]int64, len(specs))
	fullNames := make([]string, len(specs))
	for i, spec := range specs {
		pid := parentID
		base := parentFullName
		if spec.ParentIndex != nil {
			pid = ids[*spec.ParentIndex]
			base = fullNames[*spec.ParentIndex]
		}
		fullNames[i] = joinTaskName(base, spec.Name)

		var id int64
		if source, ok := resumed[fullNames[i]]; ok {
			var err error
			if id, err = insertResumedTask(ctx, ex, attemptID, pid, source); err != nil {
				return 0, err
			}
		} else {
			var flags model.TaskStateFlags
			if initial {
				flags = model.TaskFlagInitialTask
			}
			t := &model.Task{
				AttemptID: attemptID,
				ParentID:  &pid,
				FullName:  fullNames[i],
				TaskType:  spec.TaskType,
				Config:    spec.Config,
				State:     model.TaskStateBlocked,
				Flags:     flags,
			}
			var err error
			if id, err = insertTask(ctx, ex, t); err != nil {
				return 0, err
			}
		}
		ids[i] = id

		upstreams := make([]int64, 0, len(spec.UpstreamIndexes))
		for _, up := range spec.UpstreamIndexes {
			upstreams = append(upstreams, ids[up])
		}
		if spec.ParentIndex == nil {
			upstreams = append(upstreams, rootUpstreamIDs...)
		}
		if err := insertDependencies(ctx, ex, id, upstreams); err != nil {
			return 0, err
		}
	}
	return int64(len(specs)), nil
}

// joinTaskName appends a child segment to a parent's full name. Sigil
// segments (^error, ^check, ^sub) concatenate without a separator.
func joinTaskName(parentFullName, name string) string {
	if strings.HasPrefix(name, "^") {
		return parentFullName + name
	}
	return parentFullName + "+" + name
}

// CopyInitialTasksForRetry inserts fresh BLOCKED copies of the given
// children that belong to the original plan, skipping runtime-generated
// subtasks. The old rows stay behind for history; readers use the latest
// row per full name. Returns true if at least one task was copied.
func (s *SQLiteStore) CopyInitialTasksForRetry(ctx context.Context, childIDs []int64, parentFullName string) (bool, error) {
	s.logger.Debug("sql", "op", "copy", "table", "tasks", "count", len(childIDs))

	if len(childIDs) == 0 {
		return false, nil
	}

	copied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(taskColumns+` WHERE id IN (%s) ORDER BY id`, placeholders(len(childIDs)))
		tasks, err := queryTasks(ctx, tx, query, int64Args(childIDs)...)
		if err != nil {
			return err
		}

		idMap := make(map[int64]int64)
		for _, old := range tasks {
			if !old.Flags.IsInitialTask() {
				continue
			}
			if model.IsGeneratedSubtaskName(parentFullName, old.FullName) {
				continue
			}
			fresh := &model.Task{
				AttemptID: old.AttemptID,
				ParentID:  old.ParentID,
				FullName:  old.FullName,
				TaskType:  old.TaskType,
				Config:    old.Config,
				State:     model.TaskStateBlocked,
				Flags:     0,
			}
			id, err := insertTask(ctx, tx, fresh)
			if err != nil {
				return err
			}
			idMap[old.ID] = id
			copied = true
		}

		// Remap sibling dependencies onto the new copies.
		for _, old := range tasks {
			newID, ok := idMap[old.ID]
			if !ok {
				continue
			}
			ups, err := queryUpstreams(ctx, tx, old.ID)
			if err != nil {
				return err
			}
			var remapped []int64
			for _, up := range ups {
				if mapped, ok := idMap[up]; ok {
					remapped = append(remapped, mapped)
				}
			}
			if err := insertDependencies(ctx, tx, newID, remapped); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return copied, nil
}

// RequestCancelAttempt flags the attempt and all of its not-done tasks in
// one transaction. Returns false if the attempt is already done.
func (s *SQLiteStore) RequestCancelAttempt(ctx context.Context, attemptID int64) (bool, error) {
	s.logger.Debug("sql", "op", "cancel", "table", "session_attempts", "id", attemptID)

	requested := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var flags int
		err := tx.QueryRowContext(ctx,
			`SELECT state_flags FROM session_attempts WHERE id = ?`, attemptID,
		).Scan(&flags)
		if err == sql.ErrNoRows {
			return model.NewNotFoundError("attempt", fmt.Sprintf("%d", attemptID))
		}
		if err != nil {
			return err
		}
		if flags&int(model.AttemptFlagDone) != 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE session_attempts SET state_flags = state_flags | ? WHERE id = ?`,
			int(model.AttemptFlagCancelRequested), attemptID); err != nil {
			return err
		}

		done := model.DoneStates()
		query := fmt.Sprintf(
			`UPDATE tasks SET state_flags = state_flags | ?, updated_at = ?
			 WHERE attempt_id = ? AND state NOT IN (%s)`,
			placeholders(len(done)))
		args := append([]any{int(model.TaskFlagCancelRequested), formatTime(time.Now()), attemptID},
			stateArgs(done)...)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		requested = true
		return nil
	})
	return requested, err
}
