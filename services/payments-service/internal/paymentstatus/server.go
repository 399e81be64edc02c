//go:build protogen

package paymentstatus

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"google.golang.org/grpc"

	paymentsv1 "github.com/agendahub/agendahub/protos/gen/payments/v1"
	"github.com/agendahub/agendahub/services/payments-service/internal/storage"
)

type server struct {
	paymentsv1.UnimplementedPaymentStatusServiceServer
	repo *storage.Repository
}

func Register(grpcServer *grpc.Server, repo *storage.Repository) {
	paymentsv1.RegisterPaymentStatusServiceServer(grpcServer, &server{repo: repo})
}

func (s *server) GetReservationPayment(ctx context.Context, req *paymentsv1.ReservationPaymentRequest) (*paymentsv1.ReservationPaymentResponse, error) {
	resp := &paymentsv1.ReservationPaymentResponse{Status: "none"}
	if s.repo == nil || req.GetProfessionalId() == "" || req.GetReservationId() == "" {
		return resp, nil
	}
	sess, err := s.repo.GetCheckoutSessionByReservation(ctx, req.GetProfessionalId(), req.GetReservationId())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return resp, nil
		}
		// keep response stable: treat repo errors as no payment on file
		return resp, nil
	}
	resp.Status = sess.Status
	resp.ProviderSessionId = sess.ProviderSessionID
	resp.AmountCents = sess.AmountCents
	return resp, nil
}
