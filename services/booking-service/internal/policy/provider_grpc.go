//go:build protogen

package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/agendahub/agendahub/libs/grpcx"
	platformv1 "github.com/agendahub/agendahub/protos/gen/platform/v1"
)

type grpcProvider struct {
	client   platformv1.PlatformServiceClient
	fallback HoldPolicy
}

// NewPlatformPolicyProvider dials the platform-service for per-professional
// hold policies. Falls back to the static TTL when the address is empty or
// the dial fails.
func NewPlatformPolicyProvider(logger *slog.Logger, ttl time.Duration, addr string) (Provider, error) {
	if addr == "" {
		return NewStaticProvider(ttl), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpcx.Dial(ctx, addr, grpcx.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warn("grpc policy provider unavailable, using fallback", "err", err)
		return NewStaticProvider(ttl), nil
	}

	logger.Info("grpc policy provider enabled", "addr", addr)
	return &grpcProvider{
		client:   platformv1.NewPlatformServiceClient(conn),
		fallback: HoldPolicy{TTL: ttl},
	}, nil
}

func (p *grpcProvider) HoldPolicy(ctx context.Context, professionalID string) (HoldPolicy, error) {
	resp, err := p.client.GetHoldPolicy(ctx, &platformv1.HoldPolicyRequest{ProfessionalId: professionalID})
	if err != nil {
		return HoldPolicy{}, err
	}
	mins := resp.GetHoldTtlMinutes()
	if mins <= 0 {
		return p.fallback, nil
	}
	return HoldPolicy{TTL: time.Duration(mins) * time.Minute}, nil
}
