// Package recovery implements social key recovery: guardians, secret shares
// of the local identity, and approval voting on recovery requests.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"socialmesh/go-node/internal/platform/errs"
	"socialmesh/go-node/internal/storage"
	"socialmesh/go-node/pkg/models"
)

var (
	ErrGuardianLimit    = errors.New("maximum 7 guardians allowed")
	ErrGuardianExists   = errors.New("peer already a guardian")
	ErrGuardianRequired = errors.New("guardian peer id is required")
	ErrSelfGuardian     = errors.New("an identity cannot guard itself")
)

type GuardianStore interface {
	// AddGuardian must check limit and insert atomically.
	AddGuardian(ctx context.Context, g models.Guardian, limit int) error
	RemoveGuardian(ctx context.Context, g models.Guardian) error
	ListGuardians(ctx context.Context, ownerID string) ([]models.Guardian, error)
}

// AddGuardian registers guardianID for owner and returns the updated list.
func (s *Service) AddGuardian(ctx context.Context, ownerID, guardianID string) ([]string, error) {
	guardianID = strings.TrimSpace(guardianID)
	switch {
	case guardianID == "":
		return nil, errs.Wrap(errs.CategoryAPI, ErrGuardianRequired)
	case guardianID == ownerID:
		return nil, errs.Wrap(errs.CategoryAPI, ErrSelfGuardian)
	}
	err := s.guardians.AddGuardian(ctx, models.Guardian{OwnerID: ownerID, GuardianID: guardianID}, models.MaxGuardians)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return nil, errs.Wrap(errs.CategoryCapacity, ErrGuardianExists)
	case errors.Is(err, storage.ErrLimit):
		return nil, errs.Wrap(errs.CategoryCapacity, ErrGuardianLimit)
	case err != nil:
		return nil, fmt.Errorf("add guardian: %w", err)
	}
	s.logger.Info("guardian added",
		"component", "recovery",
		"operation", "add_guardian",
		"owner_id", ownerID,
		"guardian_id", guardianID,
	)
	return s.Guardians(ctx, ownerID)
}

func (s *Service) RemoveGuardian(ctx context.Context, ownerID, guardianID string) error {
	err := s.guardians.RemoveGuardian(ctx, models.Guardian{OwnerID: ownerID, GuardianID: strings.TrimSpace(guardianID)})
	if err != nil {
		return fmt.Errorf("remove guardian: %w", err)
	}
	return nil
}

func (s *Service) Guardians(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.guardians.ListGuardians(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, g := range rows {
		out = append(out, g.GuardianID)
	}
	return out, nil
}
