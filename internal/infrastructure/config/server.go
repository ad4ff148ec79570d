// Package config loads the server configuration and serves tenant
// configuration snapshots from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

var validate = validator.New()

// ServerConfig is the static configuration of a rollout server. It is read
// once at startup.
type ServerConfig struct {
	Quotas domain.Quotas `yaml:"quotas"`
	// TickInterval is the cadence of the periodic rollout trigger. Zero
	// disables it.
	TickInterval time.Duration `yaml:"tickInterval" validate:"gte=0"`
	// TickParallelism bounds how many rollouts tick at once.
	TickParallelism int `yaml:"tickParallelism" validate:"gte=1,lte=64"`
	// ChunkSize bounds how many rows one transaction of a bulk operation
	// touches.
	ChunkSize int `yaml:"chunkSize" validate:"gte=1,lte=10000"`
	// ConflictRetries bounds retries of write conflicts during target
	// registration and attribute updates.
	ConflictRetries     int           `yaml:"conflictRetries" validate:"gte=1,lte=20"`
	DynamicFillInterval time.Duration `yaml:"dynamicFillInterval" validate:"gte=0"`
	// SkipLockTags lists distribution set tags that suppress the implicit
	// lock on assignment.
	SkipLockTags []string `yaml:"skipLockTags" validate:"omitempty,dive,required"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Quotas:              domain.DefaultQuotas(),
		TickInterval:        10 * time.Second,
		TickParallelism:     4,
		ChunkSize:           100,
		ConflictRetries:     3,
		DynamicFillInterval: time.Minute,
	}
}

// Validate checks the configuration's field constraints.
func (c ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: server config: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// LoadServerConfig reads the YAML file at path over the defaults. An empty
// path yields the defaults.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("read server config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("%w: parse server config %s: %v", domain.ErrInvalidArgument, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// ValidateTenant checks a tenant configuration snapshot.
func ValidateTenant(cfg domain.TenantConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: tenant config field %s fails %q", domain.ErrInvalidArgument, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: tenant config: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
