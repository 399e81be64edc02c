package policy

import (
	"context"
	"time"
)

// HoldPolicy controls how long a temporary reservation blocks its slot
// before an unresolved payment lapses it.
type HoldPolicy struct {
	TTL time.Duration
}

type Provider interface {
	HoldPolicy(ctx context.Context, professionalID string) (HoldPolicy, error)
}

type staticProvider struct {
	policy HoldPolicy
}

func NewStaticProvider(ttl time.Duration) Provider {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &staticProvider{policy: HoldPolicy{TTL: ttl}}
}

func (p *staticProvider) HoldPolicy(_ context.Context, _ string) (HoldPolicy, error) {
	return p.policy, nil
}
