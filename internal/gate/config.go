package gate

import (
	"fmt"

	"github.com/mattjoyce/sqsd-gate/internal/config"
	"github.com/mattjoyce/sqsd-gate/internal/digest"
)

// FromGlobalConfig converts config.GateConfig to gate.Config, parsing the
// digest scheme and max body size.
func FromGlobalConfig(gc config.GateConfig) (Config, error) {
	scheme, err := digest.ParseScheme(gc.DigestScheme)
	if err != nil {
		return Config{}, fmt.Errorf("gate: %w", err)
	}

	maxBodySize, err := config.ParseSize(gc.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("gate: invalid max_body_size %q: %w", gc.MaxBodySize, err)
	}

	return Config{
		Enabled:                  gc.Enabled,
		Secret:                   gc.SecretKeyBase,
		DigestScheme:             scheme,
		Origin:                   gc.Origin,
		TrustedSources:           append([]string(nil), gc.TrustedSources...),
		PeriodicTasksRoute:       gc.PeriodicTasksRoute,
		AcceptUnaddressedDigests: gc.AcceptUnaddressedDigests,
		MaxBodySize:              maxBodySize,
	}, nil
}
