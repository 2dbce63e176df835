package push

import "context"

// Outcome classifies a single push delivery attempt so the worker knows
// whether to clear the job, drop the token, or leave both for retry.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeUnregistered
	OutcomeQuotaExceeded
	OutcomeOther
)

// Provider sends a single push notification to one device token. Real
// deployments plug in an FCM/APNs client here; devProvider is the
// stand-in used when no provider credentials are configured.
type Provider interface {
	Send(ctx context.Context, token string) (Outcome, error)
}

// devProvider logs nothing and always reports success, for environments
// without push credentials configured.
type devProvider struct{}

func NewDevProvider() Provider { return devProvider{} }

func (devProvider) Send(ctx context.Context, token string) (Outcome, error) {
	return OutcomeOK, nil
}
