package domain

import "context"

// TenantConfig is a snapshot of the tenant-wide switches. Services fetch a
// fresh snapshot per call or tick and pass it down explicitly.
type TenantConfig struct {
	ConfirmationFlowEnabled  bool    `yaml:"confirmationFlowEnabled"`
	MultiAssignmentsEnabled  bool    `yaml:"multiAssignmentsEnabled"`
	ActionsAutocloseEnabled  bool    `yaml:"actionsAutocloseEnabled"`
	RejectFeedbackAfterClose bool    `yaml:"rejectFeedbackAfterClose"`
	PurgeOnQuotaPercentage   float64 `yaml:"purgeOnQuotaPercentage" validate:"gte=0,lte=100"`
	RolloutApprovalEnabled   bool    `yaml:"rolloutApprovalEnabled"`
	ActionWeightIfAbsent     int     `yaml:"actionWeightIfAbsent" validate:"gte=0,lte=1000"`
}

func DefaultTenantConfig() TenantConfig {
	return TenantConfig{ActionWeightIfAbsent: WeightMax}
}

// TenantConfigSource provides tenant configuration snapshots.
type TenantConfigSource interface {
	Snapshot(ctx context.Context) (TenantConfig, error)
}
