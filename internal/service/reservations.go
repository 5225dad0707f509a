package service

import (
	"context"
	"fmt"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/xid"
)

// Reserve holds stock for a checkout session. Availability is current stock
// minus every hold that has not lapsed, so an expired reservation stops
// counting even before the sweep marks it.
func (s *Service) Reserve(ctx context.Context, req domain.ReservationRequest) (domain.Reservation, error) {
	if err := s.check(req); err != nil {
		return domain.Reservation{}, err
	}

	now := s.now()
	reservation := domain.Reservation{
		ID:        xid.New("res"),
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		SessionID: req.SessionID,
		Status:    domain.ReservationActive,
		ExpiresAt: now.Add(s.reservationTTL),
		CreatedAt: now,
	}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockProducts(ctx, req.ProductID)
		if err != nil {
			return err
		}
		reserved, err := tx.ReservedQuantity(ctx, req.ProductID, now)
		if err != nil {
			return err
		}
		available := products[req.ProductID].CurrentStock - reserved
		if available < req.Quantity {
			return &store.StockError{ProductID: req.ProductID, Requested: req.Quantity, Available: available}
		}
		return tx.InsertReservation(ctx, reservation)
	})
	if err := s.finish("reserve", err); err != nil {
		return domain.Reservation{}, err
	}

	s.logAudit(ctx, "reserve", "reservation", reservation.ID, fmt.Sprintf("product=%s,quantity=%d,session=%s", reservation.ProductID, reservation.Quantity, reservation.SessionID))
	return reservation, nil
}

// Release ends a hold early. Releasing a reservation that is no longer active
// is a no-op that returns it unchanged.
func (s *Service) Release(ctx context.Context, id string) (domain.Reservation, error) {
	now := s.now()
	var result domain.Reservation
	changed := false
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		reservations, err := tx.LockReservations(ctx, id)
		if err != nil {
			return err
		}
		result = reservations[id]
		if result.Status != domain.ReservationActive {
			return nil
		}

		status := domain.ReservationReleased
		if !result.Holding(now) {
			status = domain.ReservationExpired
		}
		if err := tx.UpdateReservation(ctx, id, status, "", now); err != nil {
			return err
		}
		result.Status = status
		result.ResolvedAt = &now
		changed = true
		return nil
	})
	if err := s.finish("release", err); err != nil {
		return domain.Reservation{}, err
	}

	if changed {
		s.logAudit(ctx, "release", "reservation", id, fmt.Sprintf("status=%s", result.Status))
	}
	return result, nil
}

func (s *Service) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	return *r, nil
}

// SweepReservations marks every lapsed ACTIVE reservation EXPIRED.
func (s *Service) SweepReservations(ctx context.Context) (domain.SweepResult, error) {
	now := s.now()
	result := domain.SweepResult{At: now}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		n, err := tx.ExpireReservations(ctx, now)
		result.Expired = n
		return err
	})
	if err := s.finish("reservation_sweep", err); err != nil {
		return domain.SweepResult{}, err
	}

	s.metrics.ReservationsExpired(result.Expired)
	if result.Expired > 0 {
		s.log.WithField("expired", result.Expired).Info("reservations expired")
	}
	return result, nil
}
