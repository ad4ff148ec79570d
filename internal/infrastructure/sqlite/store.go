package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// Store implements [domain.Store] on a SQLite database. Each unit of work
// runs in one SQL transaction.
type Store struct {
	DB *sql.DB
}

func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, txRepos{db: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type txRepos struct {
	db DBTX
}

func (t txRepos) Targets() domain.TargetRepository         { return &TargetRepo{DB: t.db} }
func (t txRepos) TargetTypes() domain.TargetTypeRepository { return &TargetTypeRepo{DB: t.db} }
func (t txRepos) SoftwareModules() domain.SoftwareModuleRepository {
	return &SoftwareModuleRepo{DB: t.db}
}
func (t txRepos) DistributionSetTypes() domain.DistributionSetTypeRepository {
	return &DistributionSetTypeRepo{DB: t.db}
}
func (t txRepos) DistributionSets() domain.DistributionSetRepository {
	return &DistributionSetRepo{DB: t.db}
}
func (t txRepos) Actions() domain.ActionRepository { return &ActionRepo{DB: t.db} }
func (t txRepos) ActionStatuses() domain.ActionStatusRepository {
	return &ActionStatusRepo{DB: t.db}
}
func (t txRepos) Rollouts() domain.RolloutRepository { return &RolloutRepo{DB: t.db} }
func (t txRepos) RolloutGroups() domain.RolloutGroupRepository {
	return &RolloutGroupRepo{DB: t.db}
}
func (t txRepos) Events() domain.EventSink { return &EventOutbox{DB: t.db} }
