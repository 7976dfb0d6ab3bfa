// Package policy derives enforceable execution policy from a descriptor's
// trust metadata. Derivation is pure; enforcement (rate windows, timeouts,
// opt-in gating) happens at the call sites that own the side effects.
package policy

import (
	"time"

	"mcporch/internal/domain"
)

// For computes the execution policy for a descriptor. It is pure and total:
// the result depends only on sensitivity and visibility, so two descriptors
// with identical trust metadata always produce identical policies.
func For(desc domain.ServerDescriptor) domain.ExecutionPolicy {
	pol := domain.ExecutionPolicy{
		Window:        domain.RateWindow,
		RequiresOptIn: desc.Visibility == domain.VisibilityOptIn || desc.Visibility == domain.VisibilityExperimental,
	}
	switch desc.Sensitivity {
	case domain.SensitivityHigh:
		pol.Timeout = 5 * time.Second
		pol.MaxCallsPerWindow = 10
	case domain.SensitivityMedium:
		pol.Timeout = 7500 * time.Millisecond
		pol.MaxCallsPerWindow = 20
	default:
		pol.Timeout = 10 * time.Second
		pol.MaxCallsPerWindow = 50
	}
	return pol
}
