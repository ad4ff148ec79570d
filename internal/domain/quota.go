package domain

import "math"

// Quota names reported in [QuotaExceededError].
const (
	QuotaStatusEntriesPerAction     = "status entries per action"
	QuotaMessagesPerStatusEntry     = "messages per status entry"
	QuotaAttributeEntriesPerTarget  = "attribute entries per target"
	QuotaMetadataEntriesPerEntity   = "metadata entries per entity"
	QuotaActionsPerTarget           = "actions per target"
	QuotaRolloutGroupsPerRollout    = "groups per rollout"
	QuotaTargetsPerRolloutGroup     = "targets per rollout group"
	QuotaTargetsPerManualAssignment = "targets per manual assignment"
)

// Quotas are the admission limits. A limit of zero or less disables the
// check.
type Quotas struct {
	MaxStatusEntriesPerAction     int `yaml:"maxStatusEntriesPerAction" validate:"gte=0"`
	MaxMessagesPerStatusEntry     int `yaml:"maxMessagesPerStatusEntry" validate:"gte=0"`
	MaxAttributeEntriesPerTarget  int `yaml:"maxAttributeEntriesPerTarget" validate:"gte=0"`
	MaxMetadataEntriesPerEntity   int `yaml:"maxMetadataEntriesPerEntity" validate:"gte=0"`
	MaxActionsPerTarget           int `yaml:"maxActionsPerTarget" validate:"gte=0"`
	MaxRolloutGroupsPerRollout    int `yaml:"maxRolloutGroupsPerRollout" validate:"gte=0"`
	MaxTargetsPerRolloutGroup     int `yaml:"maxTargetsPerRolloutGroup" validate:"gte=0"`
	MaxTargetsPerManualAssignment int `yaml:"maxTargetsPerManualAssignment" validate:"gte=0"`
}

func DefaultQuotas() Quotas {
	return Quotas{
		MaxStatusEntriesPerAction:     1000,
		MaxMessagesPerStatusEntry:     50,
		MaxAttributeEntriesPerTarget:  100,
		MaxMetadataEntriesPerEntity:   100,
		MaxActionsPerTarget:           400,
		MaxRolloutGroupsPerRollout:    500,
		MaxTargetsPerRolloutGroup:     20000,
		MaxTargetsPerManualAssignment: 5000,
	}
}

// CheckQuota fails when current plus requested exceeds limit.
func CheckQuota(quota string, limit, current, requested int) error {
	if limit <= 0 || current+requested <= limit {
		return nil
	}
	return &QuotaExceededError{Quota: quota, Limit: limit, Requested: current + requested}
}

// PurgeCount is how many of total actions a purge at the given percentage
// may delete.
func PurgeCount(total int, percentage float64) int {
	if percentage <= 0 || total <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) * percentage / 100))
}
