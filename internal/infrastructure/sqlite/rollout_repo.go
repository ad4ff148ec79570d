package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// RolloutRepo implements [domain.RolloutRepository] backed by SQLite.
type RolloutRepo struct {
	DB DBTX
}

const rolloutColumns = `id, name, description, target_filter, set_id, action_type, forced_time, weight,
	start_at, dynamic, dynamic_template, confirmation_required, status, total_targets,
	approval_decided_by, approval_remark, created_by, created_at, last_dynamic_fill_at, deleted, version`

func (r *RolloutRepo) Create(ctx context.Context, ro domain.Rollout) (domain.Rollout, error) {
	tmpl, err := marshalTemplate(ro.DynamicTemplate)
	if err != nil {
		return domain.Rollout{}, err
	}
	ro.Version = 1
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO rollouts (name, description, target_filter, set_id, action_type, forced_time, weight,
			start_at, dynamic, dynamic_template, confirmation_required, status, total_targets,
			approval_decided_by, approval_remark, created_by, created_at, last_dynamic_fill_at, deleted, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ro.Name, ro.Description, ro.TargetFilter, int64(ro.SetID), string(ro.ActionType),
		nullTime(ro.ForcedTime), nullInt(ro.Weight), nullTime(ro.StartAt), boolInt(ro.Dynamic), tmpl,
		boolInt(ro.ConfirmationRequired), string(ro.Status), ro.TotalTargets, ro.ApprovalDecidedBy,
		ro.ApprovalRemark, ro.CreatedBy, formatTime(ro.CreatedAt), nullTime(ro.LastDynamicFillAt),
		boolInt(ro.Deleted), ro.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Rollout{}, fmt.Errorf("rollout %q: %w", ro.Name, domain.ErrAlreadyExists)
		}
		if isForeignKeyViolation(err) {
			return domain.Rollout{}, fmt.Errorf("distribution set %d: %w", ro.SetID, domain.ErrNotFound)
		}
		return domain.Rollout{}, fmt.Errorf("insert rollout: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Rollout{}, fmt.Errorf("rollout id: %w", err)
	}
	ro.ID = domain.RolloutID(id)
	return ro, nil
}

func (r *RolloutRepo) Get(ctx context.Context, id domain.RolloutID) (domain.Rollout, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE id = ?`, int64(id))
	ro, err := scanRollout(row)
	if err != nil {
		return domain.Rollout{}, notFound(err, "rollout", id)
	}
	return ro, nil
}

func (r *RolloutRepo) Update(ctx context.Context, ro domain.Rollout) (domain.Rollout, error) {
	tmpl, err := marshalTemplate(ro.DynamicTemplate)
	if err != nil {
		return domain.Rollout{}, err
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE rollouts SET name = ?, description = ?, action_type = ?, forced_time = ?, weight = ?,
			start_at = ?, dynamic_template = ?, confirmation_required = ?, status = ?, total_targets = ?,
			approval_decided_by = ?, approval_remark = ?, last_dynamic_fill_at = ?, deleted = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		ro.Name, ro.Description, string(ro.ActionType), nullTime(ro.ForcedTime), nullInt(ro.Weight),
		nullTime(ro.StartAt), tmpl, boolInt(ro.ConfirmationRequired), string(ro.Status), ro.TotalTargets,
		ro.ApprovalDecidedBy, ro.ApprovalRemark, nullTime(ro.LastDynamicFillAt), boolInt(ro.Deleted),
		int64(ro.ID), ro.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Rollout{}, fmt.Errorf("rollout %q: %w", ro.Name, domain.ErrAlreadyExists)
		}
		return domain.Rollout{}, fmt.Errorf("update rollout: %w", err)
	}
	if err := checkCAS(ctx, r.DB, res, "rollouts", int64(ro.ID), "rollout"); err != nil {
		return domain.Rollout{}, err
	}
	ro.Version++
	return ro, nil
}

// Delete removes the rollout. Actions still pointing at it are removed
// first; groups and membership go with the rollout's row.
func (r *RolloutRepo) Delete(ctx context.Context, id domain.RolloutID) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM actions WHERE rollout_id = ?`, int64(id)); err != nil {
		return fmt.Errorf("delete rollout actions: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM rollouts WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("delete rollout: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("rollout %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *RolloutRepo) List(ctx context.Context, q domain.RolloutQuery, page domain.PageRequest) (domain.Page[domain.Rollout], error) {
	var (
		conds []string
		args  []any
	)
	if !q.IncludeDeleted {
		conds = append(conds, "deleted = 0")
	}
	if len(q.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(q.Statuses))+")")
		for _, s := range q.Statuses {
			args = append(args, string(s))
		}
	}
	if q.SetID != nil {
		conds = append(conds, "set_id = ?")
		args = append(args, int64(*q.SetID))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM rollouts`+where, args...).Scan(&total); err != nil {
		return domain.Page[domain.Rollout]{}, fmt.Errorf("count rollouts: %w", err)
	}
	clause, pageArgs := pageClause(page)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+rolloutColumns+` FROM rollouts`+where+` ORDER BY id`+clause,
		append(args, pageArgs...)...,
	)
	if err != nil {
		return domain.Page[domain.Rollout]{}, fmt.Errorf("list rollouts: %w", err)
	}
	defer rows.Close()

	var items []domain.Rollout
	for rows.Next() {
		ro, err := scanRollout(rows)
		if err != nil {
			return domain.Page[domain.Rollout]{}, fmt.Errorf("scan rollout: %w", err)
		}
		items = append(items, ro)
	}
	if err := rows.Err(); err != nil {
		return domain.Page[domain.Rollout]{}, err
	}
	return domain.Page[domain.Rollout]{Items: items, Total: total}, nil
}

func marshalTemplate(t *domain.DynamicGroupTemplate) (any, error) {
	if t == nil {
		return nil, nil
	}
	s, err := marshalJSON(t)
	if err != nil {
		return nil, fmt.Errorf("marshal dynamic template: %w", err)
	}
	return s, nil
}

func scanRollout(s scanner) (domain.Rollout, error) {
	var (
		ro                                  domain.Rollout
		actionType, status, createdAt       string
		forcedTime, startAt, lastFill, tmpl sql.NullString
		weight                              sql.NullInt64
		dynamic, confirm, deleted           int
	)
	if err := s.Scan(&ro.ID, &ro.Name, &ro.Description, &ro.TargetFilter, &ro.SetID, &actionType,
		&forcedTime, &weight, &startAt, &dynamic, &tmpl, &confirm, &status, &ro.TotalTargets,
		&ro.ApprovalDecidedBy, &ro.ApprovalRemark, &ro.CreatedBy, &createdAt, &lastFill,
		&deleted, &ro.Version); err != nil {
		return domain.Rollout{}, err
	}
	ro.ActionType = domain.ActionType(actionType)
	ro.Status = domain.RolloutStatus(status)
	ro.Weight = intPtr(weight)
	ro.Dynamic, ro.ConfirmationRequired, ro.Deleted = dynamic != 0, confirm != 0, deleted != 0

	var err error
	if ro.ForcedTime, err = parseNullTime(forcedTime); err != nil {
		return domain.Rollout{}, fmt.Errorf("parse forced_time: %w", err)
	}
	if ro.StartAt, err = parseNullTime(startAt); err != nil {
		return domain.Rollout{}, fmt.Errorf("parse start_at: %w", err)
	}
	if ro.LastDynamicFillAt, err = parseNullTime(lastFill); err != nil {
		return domain.Rollout{}, fmt.Errorf("parse last_dynamic_fill_at: %w", err)
	}
	if ro.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Rollout{}, fmt.Errorf("parse created_at: %w", err)
	}
	if tmpl.Valid {
		ro.DynamicTemplate = &domain.DynamicGroupTemplate{}
		if err := unmarshalJSON(tmpl.String, ro.DynamicTemplate); err != nil {
			return domain.Rollout{}, fmt.Errorf("unmarshal dynamic template: %w", err)
		}
	}
	return ro, nil
}

// RolloutGroupRepo implements [domain.RolloutGroupRepository] backed by
// SQLite.
type RolloutGroupRepo struct {
	DB DBTX
}

const groupColumns = `id, rollout_id, name, description, position, status, target_filter,
	target_percentage, confirmation_required, conditions, dynamic, target_count, total_targets, version`

func (r *RolloutGroupRepo) Create(ctx context.Context, g domain.RolloutGroup) (domain.RolloutGroup, error) {
	conds, err := marshalJSON(g.Conditions)
	if err != nil {
		return domain.RolloutGroup{}, fmt.Errorf("marshal conditions: %w", err)
	}
	g.Version = 1
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO rollout_groups (rollout_id, name, description, position, status, target_filter,
			target_percentage, confirmation_required, conditions, dynamic, target_count, total_targets, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(g.RolloutID), g.Name, g.Description, g.Position, string(g.Status), g.TargetFilter,
		g.TargetPercentage, boolInt(g.ConfirmationRequired), conds, boolInt(g.Dynamic),
		g.TargetCount, g.TotalTargets, g.Version,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.RolloutGroup{}, fmt.Errorf("rollout %d: %w", g.RolloutID, domain.ErrNotFound)
		}
		return domain.RolloutGroup{}, fmt.Errorf("insert rollout group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.RolloutGroup{}, fmt.Errorf("rollout group id: %w", err)
	}
	g.ID = domain.RolloutGroupID(id)
	return g, nil
}

func (r *RolloutGroupRepo) Get(ctx context.Context, id domain.RolloutGroupID) (domain.RolloutGroup, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM rollout_groups WHERE id = ?`, int64(id))
	g, err := scanGroup(row)
	if err != nil {
		return domain.RolloutGroup{}, notFound(err, "rollout group", id)
	}
	return g, nil
}

func (r *RolloutGroupRepo) Update(ctx context.Context, g domain.RolloutGroup) (domain.RolloutGroup, error) {
	conds, err := marshalJSON(g.Conditions)
	if err != nil {
		return domain.RolloutGroup{}, fmt.Errorf("marshal conditions: %w", err)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE rollout_groups SET name = ?, description = ?, status = ?, target_filter = ?,
			target_percentage = ?, confirmation_required = ?, conditions = ?, target_count = ?,
			total_targets = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		g.Name, g.Description, string(g.Status), g.TargetFilter, g.TargetPercentage,
		boolInt(g.ConfirmationRequired), conds, g.TargetCount, g.TotalTargets,
		int64(g.ID), g.Version,
	)
	if err != nil {
		return domain.RolloutGroup{}, fmt.Errorf("update rollout group: %w", err)
	}
	if err := checkCAS(ctx, r.DB, res, "rollout_groups", int64(g.ID), "rollout group"); err != nil {
		return domain.RolloutGroup{}, err
	}
	g.Version++
	return g, nil
}

func (r *RolloutGroupRepo) ListByRollout(ctx context.Context, id domain.RolloutID) ([]domain.RolloutGroup, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM rollout_groups WHERE rollout_id = ? ORDER BY position, id`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("list rollout groups: %w", err)
	}
	defer rows.Close()

	var groups []domain.RolloutGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollout group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *RolloutGroupRepo) AddTargets(ctx context.Context, id domain.RolloutGroupID, targets []domain.TargetID) error {
	for _, t := range targets {
		_, err := r.DB.ExecContext(ctx,
			`INSERT INTO rollout_target_groups (group_id, target_id) VALUES (?, ?)
			ON CONFLICT (group_id, target_id) DO NOTHING`,
			int64(id), string(t),
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("group %d or target %q: %w", id, t, domain.ErrNotFound)
			}
			return fmt.Errorf("add target to rollout group: %w", err)
		}
	}
	return nil
}

func (r *RolloutGroupRepo) ListTargets(ctx context.Context, id domain.RolloutGroupID, page domain.PageRequest) (domain.Page[domain.TargetID], error) {
	var total int
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rollout_target_groups WHERE group_id = ?`, int64(id)).Scan(&total); err != nil {
		return domain.Page[domain.TargetID]{}, fmt.Errorf("count group targets: %w", err)
	}
	clause, pageArgs := pageClause(page)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT target_id FROM rollout_target_groups WHERE group_id = ? ORDER BY rowid`+clause,
		append([]any{int64(id)}, pageArgs...)...,
	)
	if err != nil {
		return domain.Page[domain.TargetID]{}, fmt.Errorf("list group targets: %w", err)
	}
	items, err := collectTargetIDs(rows)
	if err != nil {
		return domain.Page[domain.TargetID]{}, err
	}
	return domain.Page[domain.TargetID]{Items: items, Total: total}, nil
}

func (r *RolloutGroupRepo) ListTargetsWithoutAction(ctx context.Context, id domain.RolloutGroupID, limit int) ([]domain.TargetID, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT m.target_id FROM rollout_target_groups m
		WHERE m.group_id = ?
			AND NOT EXISTS (SELECT 1 FROM actions a WHERE a.group_id = m.group_id AND a.target_id = m.target_id)
		ORDER BY m.rowid LIMIT ?`,
		int64(id), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list group targets without action: %w", err)
	}
	return collectTargetIDs(rows)
}

func (r *RolloutGroupRepo) RolloutTargets(ctx context.Context, id domain.RolloutID) ([]domain.TargetID, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT m.target_id FROM rollout_target_groups m
		JOIN rollout_groups g ON g.id = m.group_id
		WHERE g.rollout_id = ?
		ORDER BY g.position, m.rowid`,
		int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("list rollout targets: %w", err)
	}
	return collectTargetIDs(rows)
}

func collectTargetIDs(rows *sql.Rows) ([]domain.TargetID, error) {
	defer rows.Close()
	var ids []domain.TargetID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan target id: %w", err)
		}
		ids = append(ids, domain.TargetID(id))
	}
	return ids, rows.Err()
}

func scanGroup(s scanner) (domain.RolloutGroup, error) {
	var (
		g                domain.RolloutGroup
		status, conds    string
		confirm, dynamic int
	)
	if err := s.Scan(&g.ID, &g.RolloutID, &g.Name, &g.Description, &g.Position, &status, &g.TargetFilter,
		&g.TargetPercentage, &confirm, &conds, &dynamic, &g.TargetCount, &g.TotalTargets, &g.Version); err != nil {
		return domain.RolloutGroup{}, err
	}
	g.Status = domain.RolloutGroupStatus(status)
	g.ConfirmationRequired, g.Dynamic = confirm != 0, dynamic != 0
	if err := unmarshalJSON(conds, &g.Conditions); err != nil {
		return domain.RolloutGroup{}, fmt.Errorf("unmarshal conditions: %w", err)
	}
	return g, nil
}
