package rollout

import (
	"fmt"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// CheckBounds verifies the policy's thresholds: a count must not be negative
// and a percentage must lie in 0..100.
func (g GroupPolicy) CheckBounds() error {
	if g.MaxFailedServers != nil && *g.MaxFailedServers < 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("server group %q: %s must not be negative, got %d", g.Name, KeyMaxFailedServers, *g.MaxFailedServers), nil).
			WithCode(engine.ErrCodeInvalidFailureThreshold).
			WithDetail("server-group", g.Name)
	}
	if p := g.MaxFailurePercentage; p != nil && (*p < 0 || *p > 100) {
		return engine.NewPermanentError(
			fmt.Sprintf("server group %q: %s must be between 0 and 100, got %d", g.Name, KeyMaxFailurePercentage, *p), nil).
			WithCode(engine.ErrCodeInvalidFailureThreshold).
			WithDetail("server-group", g.Name)
	}
	return nil
}

// Exceeded reports whether failed failures out of total servers fail the
// group. Comparisons are strict, so a value equal to a threshold is
// tolerated. With no threshold set any failure fails the group; otherwise the
// group fails when any threshold that is set is exceeded. With both set they
// are independent limits: exceeding either one fails the group even while
// the other is still met.
func (g GroupPolicy) Exceeded(failed, total int) bool {
	if failed <= 0 {
		return false
	}
	if g.MaxFailedServers == nil && g.MaxFailurePercentage == nil {
		return true
	}
	if g.MaxFailedServers != nil && failed > *g.MaxFailedServers {
		return true
	}
	// failed/total*100 > pct, in integers.
	if g.MaxFailurePercentage != nil && total > 0 && failed*100 > *g.MaxFailurePercentage*total {
		return true
	}
	return false
}
