//go:build !protogen

package policy

import (
	"log/slog"
	"time"
)

func NewPlatformPolicyProvider(_ *slog.Logger, ttl time.Duration, _ string) (Provider, error) {
	return NewStaticProvider(ttl), nil
}
