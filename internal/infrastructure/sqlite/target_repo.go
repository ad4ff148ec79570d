package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// TargetRepo implements [domain.TargetRepository] backed by SQLite.
type TargetRepo struct {
	DB DBTX
}

const targetColumns = `id, name, description, type_name, update_status, assigned_set_id,
	installed_set_id, installed_at, attributes, metadata, auto_confirmation,
	request_attributes, created_at, version`

func (r *TargetRepo) Create(ctx context.Context, t domain.Target) (domain.Target, error) {
	attrs, meta, autoConf, err := marshalTargetJSON(t)
	if err != nil {
		return domain.Target{}, err
	}
	t.Version = 1
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO targets (`+targetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), t.Name, t.Description, nullString(t.TypeName), string(t.UpdateStatus),
		nullInt(t.AssignedSet), nullInt(t.InstalledSet), nullTime(t.InstalledAt),
		attrs, meta, autoConf, boolInt(t.RequestAttributes), formatTime(t.CreatedAt), t.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Target{}, fmt.Errorf("target %q: %w", t.ID, domain.ErrAlreadyExists)
		}
		if isForeignKeyViolation(err) {
			return domain.Target{}, fmt.Errorf("target %q references a missing type or set: %w", t.ID, domain.ErrNotFound)
		}
		return domain.Target{}, fmt.Errorf("insert target: %w", err)
	}
	return t, nil
}

func (r *TargetRepo) Get(ctx context.Context, id domain.TargetID) (domain.Target, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, string(id))
	t, err := scanTarget(row)
	if err != nil {
		return domain.Target{}, notFound(err, "target", id)
	}
	return t, nil
}

func (r *TargetRepo) Update(ctx context.Context, t domain.Target) (domain.Target, error) {
	attrs, meta, autoConf, err := marshalTargetJSON(t)
	if err != nil {
		return domain.Target{}, err
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE targets SET name = ?, description = ?, type_name = ?, update_status = ?,
			assigned_set_id = ?, installed_set_id = ?, installed_at = ?, attributes = ?,
			metadata = ?, auto_confirmation = ?, request_attributes = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		t.Name, t.Description, nullString(t.TypeName), string(t.UpdateStatus),
		nullInt(t.AssignedSet), nullInt(t.InstalledSet), nullTime(t.InstalledAt), attrs,
		meta, autoConf, boolInt(t.RequestAttributes),
		string(t.ID), t.Version,
	)
	if err != nil {
		return domain.Target{}, fmt.Errorf("update target: %w", err)
	}
	if err := checkCAS(ctx, r.DB, res, "targets", string(t.ID), "target"); err != nil {
		return domain.Target{}, err
	}
	t.Version++
	return t, nil
}

func (r *TargetRepo) Delete(ctx context.Context, id domain.TargetID) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("target %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *TargetRepo) List(ctx context.Context, page domain.PageRequest) (domain.Page[domain.Target], error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets`).Scan(&total); err != nil {
		return domain.Page[domain.Target]{}, fmt.Errorf("count targets: %w", err)
	}
	clause, args := pageClause(page)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY rowid`+clause, args...)
	if err != nil {
		return domain.Page[domain.Target]{}, fmt.Errorf("list targets: %w", err)
	}
	items, err := collectTargets(rows, nil)
	if err != nil {
		return domain.Page[domain.Target]{}, err
	}
	return domain.Page[domain.Target]{Items: items, Total: total}, nil
}

// Find evaluates m against every stored target. Filters are evaluated in
// process, so the query scans the table in creation order.
func (r *TargetRepo) Find(ctx context.Context, m domain.TargetMatcher, page domain.PageRequest) (domain.Page[domain.Target], error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY rowid`)
	if err != nil {
		return domain.Page[domain.Target]{}, fmt.Errorf("find targets: %w", err)
	}
	matched, err := collectTargets(rows, m)
	if err != nil {
		return domain.Page[domain.Target]{}, err
	}
	total := len(matched)
	start := min(page.Offset, total)
	end := total
	if page.Limit > 0 {
		end = min(start+page.Limit, total)
	}
	return domain.Page[domain.Target]{Items: matched[start:end], Total: total}, nil
}

func collectTargets(rows *sql.Rows, m domain.TargetMatcher) ([]domain.Target, error) {
	defer rows.Close()
	var targets []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if m != nil && !m.Matches(t) {
			continue
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func marshalTargetJSON(t domain.Target) (attrs, meta string, autoConf any, err error) {
	if attrs, err = marshalJSON(nonNilMap(t.Attributes)); err != nil {
		return "", "", nil, fmt.Errorf("marshal attributes: %w", err)
	}
	if meta, err = marshalJSON(nonNilMap(t.Metadata)); err != nil {
		return "", "", nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if t.AutoConfirmation != nil {
		s, err := marshalJSON(t.AutoConfirmation)
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal auto-confirmation: %w", err)
		}
		autoConf = s
	}
	return attrs, meta, autoConf, nil
}

func scanTarget(s scanner) (domain.Target, error) {
	var (
		t                       domain.Target
		id, status, attrs, meta string
		typeName, autoConf      sql.NullString
		installedAt             sql.NullString
		assigned, installed     sql.NullInt64
		requestAttrs            int
		createdAt               string
	)
	if err := s.Scan(&id, &t.Name, &t.Description, &typeName, &status, &assigned,
		&installed, &installedAt, &attrs, &meta, &autoConf,
		&requestAttrs, &createdAt, &t.Version); err != nil {
		return domain.Target{}, err
	}
	t.ID = domain.TargetID(id)
	t.TypeName = typeName.String
	t.UpdateStatus = domain.TargetUpdateStatus(status)
	t.AssignedSet = setIDPtr(assigned)
	t.InstalledSet = setIDPtr(installed)
	t.RequestAttributes = requestAttrs != 0

	var err error
	if t.InstalledAt, err = parseNullTime(installedAt); err != nil {
		return domain.Target{}, fmt.Errorf("parse installed_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Target{}, fmt.Errorf("parse created_at: %w", err)
	}
	if err := unmarshalJSON(attrs, &t.Attributes); err != nil {
		return domain.Target{}, fmt.Errorf("unmarshal attributes: %w", err)
	}
	if err := unmarshalJSON(meta, &t.Metadata); err != nil {
		return domain.Target{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if autoConf.Valid {
		t.AutoConfirmation = &domain.AutoConfirmationStatus{}
		if err := unmarshalJSON(autoConf.String, t.AutoConfirmation); err != nil {
			return domain.Target{}, fmt.Errorf("unmarshal auto-confirmation: %w", err)
		}
	}
	return t, nil
}

func setIDPtr(v sql.NullInt64) *domain.DistributionSetID {
	if !v.Valid {
		return nil
	}
	id := domain.DistributionSetID(v.Int64)
	return &id
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
