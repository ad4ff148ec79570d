package sqlite

import (
	"context"
	"fmt"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// SoftwareModuleRepo implements [domain.SoftwareModuleRepository] backed
// by SQLite.
type SoftwareModuleRepo struct {
	DB DBTX
}

const moduleColumns = `id, type, name, software_version, locked, deleted, metadata, created_at, version`

func (r *SoftwareModuleRepo) Create(ctx context.Context, m domain.SoftwareModule) (domain.SoftwareModule, error) {
	meta, err := marshalJSON(nonNilMap(m.Metadata))
	if err != nil {
		return domain.SoftwareModule{}, fmt.Errorf("marshal metadata: %w", err)
	}
	m.Version = 1
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO software_modules (type, name, software_version, locked, deleted, metadata, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Type, m.Name, m.SoftwareVersion, boolInt(m.Locked), boolInt(m.Deleted), meta, formatTime(m.CreatedAt), m.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.SoftwareModule{}, fmt.Errorf("software module %s %s:%s: %w", m.Type, m.Name, m.SoftwareVersion, domain.ErrAlreadyExists)
		}
		return domain.SoftwareModule{}, fmt.Errorf("insert software module: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.SoftwareModule{}, fmt.Errorf("software module id: %w", err)
	}
	m.ID = domain.SoftwareModuleID(id)
	return m, nil
}

func (r *SoftwareModuleRepo) Get(ctx context.Context, id domain.SoftwareModuleID) (domain.SoftwareModule, error) {
	var (
		m               domain.SoftwareModule
		locked, deleted int
		meta, createdAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT `+moduleColumns+` FROM software_modules WHERE id = ?`, int64(id)).
		Scan(&m.ID, &m.Type, &m.Name, &m.SoftwareVersion, &locked, &deleted, &meta, &createdAt, &m.Version)
	if err != nil {
		return domain.SoftwareModule{}, notFound(err, "software module", id)
	}
	m.Locked, m.Deleted = locked != 0, deleted != 0
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.SoftwareModule{}, fmt.Errorf("parse created_at: %w", err)
	}
	if err := unmarshalJSON(meta, &m.Metadata); err != nil {
		return domain.SoftwareModule{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

func (r *SoftwareModuleRepo) Update(ctx context.Context, m domain.SoftwareModule) (domain.SoftwareModule, error) {
	meta, err := marshalJSON(nonNilMap(m.Metadata))
	if err != nil {
		return domain.SoftwareModule{}, fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE software_modules SET locked = ?, deleted = ?, metadata = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		boolInt(m.Locked), boolInt(m.Deleted), meta, int64(m.ID), m.Version,
	)
	if err != nil {
		return domain.SoftwareModule{}, fmt.Errorf("update software module: %w", err)
	}
	if err := checkCAS(ctx, r.DB, res, "software_modules", int64(m.ID), "software module"); err != nil {
		return domain.SoftwareModule{}, err
	}
	m.Version++
	return m, nil
}

// DistributionSetTypeRepo implements [domain.DistributionSetTypeRepository]
// backed by SQLite.
type DistributionSetTypeRepo struct {
	DB DBTX
}

func (r *DistributionSetTypeRepo) Create(ctx context.Context, t domain.DistributionSetType) (domain.DistributionSetType, error) {
	mandatory, err := marshalJSON(nonNilSlice(t.MandatoryModuleTypes))
	if err != nil {
		return domain.DistributionSetType{}, fmt.Errorf("marshal module types: %w", err)
	}
	optional, err := marshalJSON(nonNilSlice(t.OptionalModuleTypes))
	if err != nil {
		return domain.DistributionSetType{}, fmt.Errorf("marshal module types: %w", err)
	}
	t.Version = 1
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO distribution_set_types (type_key, name, mandatory_module_types, optional_module_types, version)
		VALUES (?, ?, ?, ?, ?)`,
		t.Key, t.Name, mandatory, optional, t.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.DistributionSetType{}, fmt.Errorf("distribution set type %q: %w", t.Key, domain.ErrAlreadyExists)
		}
		return domain.DistributionSetType{}, fmt.Errorf("insert distribution set type: %w", err)
	}
	return t, nil
}

func (r *DistributionSetTypeRepo) Get(ctx context.Context, key string) (domain.DistributionSetType, error) {
	var (
		t                   domain.DistributionSetType
		mandatory, optional string
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT type_key, name, mandatory_module_types, optional_module_types, version
		FROM distribution_set_types WHERE type_key = ?`, key,
	).Scan(&t.Key, &t.Name, &mandatory, &optional, &t.Version)
	if err != nil {
		return domain.DistributionSetType{}, notFound(err, "distribution set type", key)
	}
	if err := unmarshalJSON(mandatory, &t.MandatoryModuleTypes); err != nil {
		return domain.DistributionSetType{}, fmt.Errorf("unmarshal module types: %w", err)
	}
	if err := unmarshalJSON(optional, &t.OptionalModuleTypes); err != nil {
		return domain.DistributionSetType{}, fmt.Errorf("unmarshal module types: %w", err)
	}
	return t, nil
}

// DistributionSetRepo implements [domain.DistributionSetRepository] backed
// by SQLite.
type DistributionSetRepo struct {
	DB DBTX
}

const setColumns = `id, name, software_version, type, description, modules, tags, complete,
	valid, locked, deleted, metadata, created_at, version`

func (r *DistributionSetRepo) Create(ctx context.Context, ds domain.DistributionSet) (domain.DistributionSet, error) {
	modules, tags, meta, err := marshalSetJSON(ds)
	if err != nil {
		return domain.DistributionSet{}, err
	}
	ds.Version = 1
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO distribution_sets (name, software_version, type, description, modules, tags,
			complete, valid, locked, deleted, metadata, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.Name, ds.SoftwareVersion, ds.Type, ds.Description, modules, tags,
		boolInt(ds.Complete), boolInt(ds.Valid), boolInt(ds.Locked), boolInt(ds.Deleted),
		meta, formatTime(ds.CreatedAt), ds.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.DistributionSet{}, fmt.Errorf("distribution set %s:%s: %w", ds.Name, ds.SoftwareVersion, domain.ErrAlreadyExists)
		}
		if isForeignKeyViolation(err) {
			return domain.DistributionSet{}, fmt.Errorf("distribution set type %q: %w", ds.Type, domain.ErrNotFound)
		}
		return domain.DistributionSet{}, fmt.Errorf("insert distribution set: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.DistributionSet{}, fmt.Errorf("distribution set id: %w", err)
	}
	ds.ID = domain.DistributionSetID(id)
	return ds, nil
}

func (r *DistributionSetRepo) Get(ctx context.Context, id domain.DistributionSetID) (domain.DistributionSet, error) {
	var (
		ds                               domain.DistributionSet
		modules, tags, meta, createdAt   string
		complete, valid, locked, deleted int
	)
	err := r.DB.QueryRowContext(ctx, `SELECT `+setColumns+` FROM distribution_sets WHERE id = ?`, int64(id)).
		Scan(&ds.ID, &ds.Name, &ds.SoftwareVersion, &ds.Type, &ds.Description, &modules, &tags,
			&complete, &valid, &locked, &deleted, &meta, &createdAt, &ds.Version)
	if err != nil {
		return domain.DistributionSet{}, notFound(err, "distribution set", id)
	}
	ds.Complete, ds.Valid, ds.Locked, ds.Deleted = complete != 0, valid != 0, locked != 0, deleted != 0
	if ds.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.DistributionSet{}, fmt.Errorf("parse created_at: %w", err)
	}
	if err := unmarshalJSON(modules, &ds.Modules); err != nil {
		return domain.DistributionSet{}, fmt.Errorf("unmarshal modules: %w", err)
	}
	if err := unmarshalJSON(tags, &ds.Tags); err != nil {
		return domain.DistributionSet{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := unmarshalJSON(meta, &ds.Metadata); err != nil {
		return domain.DistributionSet{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return ds, nil
}

func (r *DistributionSetRepo) Update(ctx context.Context, ds domain.DistributionSet) (domain.DistributionSet, error) {
	modules, tags, meta, err := marshalSetJSON(ds)
	if err != nil {
		return domain.DistributionSet{}, err
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE distribution_sets SET description = ?, modules = ?, tags = ?, complete = ?, valid = ?,
			locked = ?, deleted = ?, metadata = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		ds.Description, modules, tags, boolInt(ds.Complete), boolInt(ds.Valid),
		boolInt(ds.Locked), boolInt(ds.Deleted), meta, int64(ds.ID), ds.Version,
	)
	if err != nil {
		return domain.DistributionSet{}, fmt.Errorf("update distribution set: %w", err)
	}
	if err := checkCAS(ctx, r.DB, res, "distribution_sets", int64(ds.ID), "distribution set"); err != nil {
		return domain.DistributionSet{}, err
	}
	ds.Version++
	return ds, nil
}

func (r *DistributionSetRepo) Delete(ctx context.Context, id domain.DistributionSetID) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM distribution_sets WHERE id = ?`, int64(id))
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("distribution set %d is still referenced: %w", id, domain.ErrIllegalState)
		}
		return fmt.Errorf("delete distribution set: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("distribution set %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func marshalSetJSON(ds domain.DistributionSet) (modules, tags, meta string, err error) {
	if modules, err = marshalJSON(nonNilSlice(ds.Modules)); err != nil {
		return "", "", "", fmt.Errorf("marshal modules: %w", err)
	}
	if tags, err = marshalJSON(nonNilSlice(ds.Tags)); err != nil {
		return "", "", "", fmt.Errorf("marshal tags: %w", err)
	}
	if meta, err = marshalJSON(nonNilMap(ds.Metadata)); err != nil {
		return "", "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	return modules, tags, meta, nil
}
