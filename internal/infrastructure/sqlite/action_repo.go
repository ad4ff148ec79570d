package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// ActionRepo implements [domain.ActionRepository] backed by SQLite.
type ActionRepo struct {
	DB DBTX
}

const actionColumns = `id, target_id, set_id, type, forced_time, status, active, weight, rollout_id,
	group_id, external_ref, last_status_code, initiated_by, created_at, updated_at, version`

func (r *ActionRepo) Create(ctx context.Context, a domain.Action) (domain.Action, error) {
	a.Version = 1
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO actions (target_id, set_id, type, forced_time, status, active, weight, rollout_id,
			group_id, external_ref, last_status_code, initiated_by, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.TargetID), int64(a.SetID), string(a.Type), nullTime(a.ForcedTime), string(a.Status),
		boolInt(a.Active), nullInt(a.Weight), nullInt(a.RolloutID), nullInt(a.GroupID), a.ExternalRef,
		nullInt(a.LastStatusCode), a.InitiatedBy, formatTime(a.CreatedAt), formatTime(a.UpdatedAt), a.Version,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.Action{}, fmt.Errorf("action for target %q: %w", a.TargetID, domain.ErrNotFound)
		}
		return domain.Action{}, fmt.Errorf("insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Action{}, fmt.Errorf("action id: %w", err)
	}
	a.ID = domain.ActionID(id)
	return a, nil
}

func (r *ActionRepo) Get(ctx context.Context, id domain.ActionID) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, int64(id))
	a, err := scanAction(row)
	if err != nil {
		return domain.Action{}, notFound(err, "action", id)
	}
	return a, nil
}

func (r *ActionRepo) Update(ctx context.Context, a domain.Action) (domain.Action, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE actions SET status = ?, active = ?, weight = ?, forced_time = ?, external_ref = ?,
			last_status_code = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(a.Status), boolInt(a.Active), nullInt(a.Weight), nullTime(a.ForcedTime), a.ExternalRef,
		nullInt(a.LastStatusCode), formatTime(a.UpdatedAt),
		int64(a.ID), a.Version,
	)
	if err != nil {
		return domain.Action{}, fmt.Errorf("update action: %w", err)
	}
	if err := checkCAS(ctx, r.DB, res, "actions", int64(a.ID), "action"); err != nil {
		return domain.Action{}, err
	}
	a.Version++
	return a, nil
}

func (r *ActionRepo) Delete(ctx context.Context, ids []domain.ActionID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM actions WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("delete actions: %w", err)
	}
	return nil
}

func (r *ActionRepo) List(ctx context.Context, q domain.ActionQuery, page domain.PageRequest) (domain.Page[domain.Action], error) {
	where, args := actionWhere(q)
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`+where, args...).Scan(&total); err != nil {
		return domain.Page[domain.Action]{}, fmt.Errorf("count actions: %w", err)
	}
	clause, pageArgs := pageClause(page)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions`+where+` ORDER BY id`+clause,
		append(args, pageArgs...)...,
	)
	if err != nil {
		return domain.Page[domain.Action]{}, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var items []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return domain.Page[domain.Action]{}, fmt.Errorf("scan action: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return domain.Page[domain.Action]{}, err
	}
	return domain.Page[domain.Action]{Items: items, Total: total}, nil
}

func (r *ActionRepo) CountByStatus(ctx context.Context, q domain.ActionQuery) (map[domain.ActionStatus]int, error) {
	where, args := actionWhere(q)
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM actions`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count actions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ActionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan action count: %w", err)
		}
		counts[domain.ActionStatus(status)] = n
	}
	return counts, rows.Err()
}

func actionWhere(q domain.ActionQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, string(q.TargetID))
	}
	if q.SetID != nil {
		conds = append(conds, "set_id = ?")
		args = append(args, int64(*q.SetID))
	}
	if q.RolloutID != nil {
		conds = append(conds, "rollout_id = ?")
		args = append(args, int64(*q.RolloutID))
	}
	if q.GroupID != nil {
		conds = append(conds, "group_id = ?")
		args = append(args, int64(*q.GroupID))
	}
	if len(q.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(q.Statuses))+")")
		for _, s := range q.Statuses {
			args = append(args, string(s))
		}
	}
	if q.Active != nil {
		conds = append(conds, "active = ?")
		args = append(args, boolInt(*q.Active))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanAction(s scanner) (domain.Action, error) {
	var (
		a                                domain.Action
		targetID, typ, status            string
		forcedTime                       sql.NullString
		active                           int
		weight, rolloutID, groupID, code sql.NullInt64
		createdAt, updatedAt             string
	)
	if err := s.Scan(&a.ID, &targetID, &a.SetID, &typ, &forcedTime, &status, &active, &weight,
		&rolloutID, &groupID, &a.ExternalRef, &code, &a.InitiatedBy, &createdAt, &updatedAt, &a.Version); err != nil {
		return domain.Action{}, err
	}
	a.TargetID = domain.TargetID(targetID)
	a.Type = domain.ActionType(typ)
	a.Status = domain.ActionStatus(status)
	a.Active = active != 0
	a.Weight = intPtr(weight)
	a.LastStatusCode = intPtr(code)
	if rolloutID.Valid {
		id := domain.RolloutID(rolloutID.Int64)
		a.RolloutID = &id
	}
	if groupID.Valid {
		id := domain.RolloutGroupID(groupID.Int64)
		a.GroupID = &id
	}

	var err error
	if a.ForcedTime, err = parseNullTime(forcedTime); err != nil {
		return domain.Action{}, fmt.Errorf("parse forced_time: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Action{}, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Action{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return a, nil
}

// ActionStatusRepo implements [domain.ActionStatusRepository] backed by
// SQLite.
type ActionStatusRepo struct {
	DB DBTX
}

func (r *ActionStatusRepo) Append(ctx context.Context, e domain.ActionStatusEntry) (domain.ActionStatusEntry, error) {
	msgs, err := marshalJSON(nonNilSlice(e.Messages))
	if err != nil {
		return domain.ActionStatusEntry{}, fmt.Errorf("marshal messages: %w", err)
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO action_status (action_id, status, messages, code, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		int64(e.ActionID), string(e.Status), msgs, nullInt(e.Code), formatTime(e.OccurredAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ActionStatusEntry{}, fmt.Errorf("action %d: %w", e.ActionID, domain.ErrNotFound)
		}
		return domain.ActionStatusEntry{}, fmt.Errorf("insert action status: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return domain.ActionStatusEntry{}, fmt.Errorf("action status id: %w", err)
	}
	return e, nil
}

func (r *ActionStatusRepo) List(ctx context.Context, id domain.ActionID, page domain.PageRequest) (domain.Page[domain.ActionStatusEntry], error) {
	total, err := r.Count(ctx, id)
	if err != nil {
		return domain.Page[domain.ActionStatusEntry]{}, err
	}
	clause, pageArgs := pageClause(page)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, action_id, status, messages, code, occurred_at FROM action_status
		WHERE action_id = ? ORDER BY id`+clause,
		append([]any{int64(id)}, pageArgs...)...,
	)
	if err != nil {
		return domain.Page[domain.ActionStatusEntry]{}, fmt.Errorf("list action status: %w", err)
	}
	defer rows.Close()

	var items []domain.ActionStatusEntry
	for rows.Next() {
		var (
			e                      domain.ActionStatusEntry
			status, msgs, occurred string
			code                   sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.ActionID, &status, &msgs, &code, &occurred); err != nil {
			return domain.Page[domain.ActionStatusEntry]{}, fmt.Errorf("scan action status: %w", err)
		}
		e.Status = domain.ActionStatus(status)
		e.Code = intPtr(code)
		if err := unmarshalJSON(msgs, &e.Messages); err != nil {
			return domain.Page[domain.ActionStatusEntry]{}, fmt.Errorf("unmarshal messages: %w", err)
		}
		if e.OccurredAt, err = parseTime(occurred); err != nil {
			return domain.Page[domain.ActionStatusEntry]{}, fmt.Errorf("parse occurred_at: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return domain.Page[domain.ActionStatusEntry]{}, err
	}
	return domain.Page[domain.ActionStatusEntry]{Items: items, Total: total}, nil
}

func (r *ActionStatusRepo) Count(ctx context.Context, id domain.ActionID) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_status WHERE action_id = ?`, int64(id)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count action status: %w", err)
	}
	return n, nil
}
