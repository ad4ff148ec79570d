package sqlite

import (
	"context"
	"fmt"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// TargetTypeRepo implements [domain.TargetTypeRepository] backed by SQLite.
type TargetTypeRepo struct {
	DB DBTX
}

func (r *TargetTypeRepo) Create(ctx context.Context, t domain.TargetType) (domain.TargetType, error) {
	compatible, err := marshalJSON(nonNilSlice(t.CompatibleSetTypes))
	if err != nil {
		return domain.TargetType{}, fmt.Errorf("marshal compatible set types: %w", err)
	}
	t.Version = 1
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO target_types (name, description, compatible_set_types, version) VALUES (?, ?, ?, ?)`,
		t.Name, t.Description, compatible, t.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.TargetType{}, fmt.Errorf("target type %q: %w", t.Name, domain.ErrAlreadyExists)
		}
		return domain.TargetType{}, fmt.Errorf("insert target type: %w", err)
	}
	return t, nil
}

func (r *TargetTypeRepo) Get(ctx context.Context, name string) (domain.TargetType, error) {
	var (
		t          domain.TargetType
		compatible string
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT name, description, compatible_set_types, version FROM target_types WHERE name = ?`, name,
	).Scan(&t.Name, &t.Description, &compatible, &t.Version)
	if err != nil {
		return domain.TargetType{}, notFound(err, "target type", name)
	}
	if err := unmarshalJSON(compatible, &t.CompatibleSetTypes); err != nil {
		return domain.TargetType{}, fmt.Errorf("unmarshal compatible set types: %w", err)
	}
	return t, nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
