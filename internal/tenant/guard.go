package tenant

import (
	"net/http"

	"go.uber.org/zap"

	"campaign-dialer/internal/models"
	"campaign-dialer/internal/telemetry"
)

// HeaderName carries the caller's tenant on every API request.
const HeaderName = "X-Tenant-ID"

// FromRequest extracts the caller tenant id, empty if absent.
func FromRequest(r *http.Request) string {
	return r.Header.Get(HeaderName)
}

// Guard is the single reusable tenant boundary check applied before any
// read or mutation reachable from the external API.
type Guard struct {
	logger *zap.Logger
}

func NewGuard(logger *zap.Logger) *Guard {
	return &Guard{logger: logger}
}

// Require fails closed: on mismatch it returns ErrNotFound — never a
// "forbidden" that would confirm the record exists to an unauthorized
// caller — and emits a security log entry distinguishable from ordinary
// not-found cases.
func (g *Guard) Require(ownerTenant, callerTenant, resource, id string) error {
	if ownerTenant == callerTenant {
		return nil
	}
	g.logger.Warn("tenant isolation violation",
		zap.String("resource", resource),
		zap.String("id", id),
		zap.String("caller_tenant", callerTenant),
		zap.String("owner_tenant", ownerTenant),
	)
	telemetry.TenantDenials.Inc()
	return models.ErrNotFound
}
