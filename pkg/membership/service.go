package membership

import (
	"context"
	"time"

	"github.com/platinummonkey/warden/pkg/errs"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Hooks are the externally supplied lifecycle sinks. Each fires at most
// once per successful transition, synchronously on the transition
// goroutine, guarded against panics. A sink that needs async behavior
// wraps itself.
type Hooks struct {
	OnInvite    func(ctx context.Context, m *Membership)
	OnAccept    func(ctx context.Context, m *Membership, pendingRoleID *int64)
	OnSuspend   func(ctx context.Context, m *Membership)
	OnUnsuspend func(ctx context.Context, m *Membership)
	OnRemove    func(ctx context.Context, m *Membership)
}

// Service enforces the membership lifecycle
type Service struct {
	store  *Store
	hooks  Hooks
	logger *observability.Logger
	now    func() time.Time
}

// NewService creates a membership service
func NewService(store *Store, hooks Hooks, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Service{
		store:  store,
		hooks:  hooks,
		logger: logger,
		now:    time.Now,
	}
}

// Invite creates an invited membership. If a removed membership exists for
// the pair, the call routes to Reinvite so the one-row-per-pair invariant
// holds; any other existing membership is a conflict.
func (s *Service) Invite(ctx context.Context, userID, tenantID, invitedBy int64, pendingRoleID *int64) (*Membership, error) {
	existing, err := s.store.Get(ctx, userID, tenantID)
	if err != nil && !errs.IsNotFound(err) {
		return nil, err
	}

	if existing != nil {
		if existing.Status == StatusRemoved {
			return s.Reinvite(ctx, userID, tenantID, invitedBy, pendingRoleID)
		}
		return nil, errs.Newf(errs.KindConflict, "user %d already has a %s membership in tenant %d", userID, existing.Status, tenantID)
	}

	m := &Membership{
		UserID:        userID,
		TenantID:      tenantID,
		Status:        StatusInvited,
		InvitedBy:     invitedBy,
		InvitedAt:     s.now().UTC(),
		PendingRoleID: pendingRoleID,
	}
	if err := s.store.Insert(ctx, m); err != nil {
		return nil, err
	}

	s.logTransition(m, "invite")
	s.fire(func() {
		if s.hooks.OnInvite != nil {
			s.hooks.OnInvite(ctx, m)
		}
	})
	return m, nil
}

// Accept transitions invited -> active. Only the invited user may accept
// their own invitation; this is verified against the actor directly since a
// brand-new member holds no permissions yet. The pending role id is handed
// to the OnAccept hook and cleared from the row in the same write.
func (s *Service) Accept(ctx context.Context, actorID, userID, tenantID int64) (*Membership, error) {
	if actorID != userID {
		return nil, errs.New(errs.KindPermissionDenied, "only the invited user may accept an invitation")
	}

	m, err := s.store.Get(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(m.Status, StatusActive) || m.Status != StatusInvited {
		return nil, invalidTransition(m.Status, StatusActive)
	}

	pendingRoleID := m.PendingRoleID

	updated, err := s.store.Activate(ctx, userID, tenantID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, s.raceError(ctx, userID, tenantID, StatusActive)
	}

	m, err = s.store.Get(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	s.logTransition(m, "accept")
	s.fire(func() {
		if s.hooks.OnAccept != nil {
			s.hooks.OnAccept(ctx, m, pendingRoleID)
		}
	})
	return m, nil
}

// Suspend transitions active -> suspended. Role grants stay intact; access
// is withheld by the establisher while the membership is suspended.
func (s *Service) Suspend(ctx context.Context, userID, tenantID int64) (*Membership, error) {
	return s.transition(ctx, userID, tenantID, StatusSuspended, "suspend",
		func(ctx context.Context) (bool, error) {
			return s.store.Suspend(ctx, userID, tenantID)
		},
		func(ctx context.Context, m *Membership) {
			if s.hooks.OnSuspend != nil {
				s.hooks.OnSuspend(ctx, m)
			}
		})
}

// Unsuspend transitions suspended -> active
func (s *Service) Unsuspend(ctx context.Context, userID, tenantID int64) (*Membership, error) {
	return s.transition(ctx, userID, tenantID, StatusActive, "unsuspend",
		func(ctx context.Context) (bool, error) {
			return s.store.Unsuspend(ctx, userID, tenantID)
		},
		func(ctx context.Context, m *Membership) {
			if s.hooks.OnUnsuspend != nil {
				s.hooks.OnUnsuspend(ctx, m)
			}
		})
}

// Remove transitions active or suspended -> removed, recording the remover.
// The OnRemove hook is the signal for deactivating the member's role
// grants; the state machine itself does not touch role storage.
func (s *Service) Remove(ctx context.Context, userID, tenantID, removedBy int64) (*Membership, error) {
	m, err := s.store.Get(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(m.Status, StatusRemoved) {
		return nil, invalidTransition(m.Status, StatusRemoved)
	}

	updated, err := s.store.Remove(ctx, userID, tenantID, removedBy, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, s.raceError(ctx, userID, tenantID, StatusRemoved)
	}

	m, err = s.store.Get(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	s.logTransition(m, "remove")
	s.fire(func() {
		if s.hooks.OnRemove != nil {
			s.hooks.OnRemove(ctx, m)
		}
	})
	return m, nil
}

// Reinvite transitions removed -> invited, resetting the invitation fields
// and clearing the removal and join records.
func (s *Service) Reinvite(ctx context.Context, userID, tenantID, invitedBy int64, pendingRoleID *int64) (*Membership, error) {
	m, err := s.store.Get(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(m.Status, StatusInvited) {
		return nil, invalidTransition(m.Status, StatusInvited)
	}

	updated, err := s.store.Reinvite(ctx, userID, tenantID, invitedBy, s.now().UTC(), pendingRoleID)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, s.raceError(ctx, userID, tenantID, StatusInvited)
	}

	m, err = s.store.Get(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	s.logTransition(m, "reinvite")
	s.fire(func() {
		if s.hooks.OnInvite != nil {
			s.hooks.OnInvite(ctx, m)
		}
	})
	return m, nil
}

// Get retrieves the membership for a (user, tenant) pair
func (s *Service) Get(ctx context.Context, userID, tenantID int64) (*Membership, error) {
	return s.store.Get(ctx, userID, tenantID)
}

// ListByTenant retrieves all memberships for a tenant
func (s *Service) ListByTenant(ctx context.Context, tenantID int64) ([]*Membership, error) {
	return s.store.ListByTenant(ctx, tenantID)
}

// transition runs the shared validate/write/reload/hook sequence for the
// suspend and unsuspend transitions.
func (s *Service) transition(ctx context.Context, userID, tenantID int64, target Status, action string,
	write func(ctx context.Context) (bool, error),
	hook func(ctx context.Context, m *Membership)) (*Membership, error) {

	m, err := s.store.Get(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(m.Status, target) {
		return nil, invalidTransition(m.Status, target)
	}

	updated, err := write(ctx)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, s.raceError(ctx, userID, tenantID, target)
	}

	m, err = s.store.Get(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	s.logTransition(m, action)
	s.fire(func() { hook(ctx, m) })
	return m, nil
}

// raceError builds the InvalidTransition error for a writer that lost the
// conditional update, re-reading the row so the message names the state a
// concurrent transition left behind.
func (s *Service) raceError(ctx context.Context, userID, tenantID int64, target Status) error {
	current, err := s.store.Get(ctx, userID, tenantID)
	if err != nil {
		return err
	}
	return invalidTransition(current.Status, target)
}

// fire invokes a lifecycle hook with panic recovery so a misbehaving sink
// cannot fail a committed transition.
func (s *Service) fire(fn func()) {
	defer observability.RecoverPanic(s.logger, "membership lifecycle hook")
	fn()
}

func (s *Service) logTransition(m *Membership, action string) {
	s.logger.WithFields(map[string]interface{}{
		"user_id":   m.UserID,
		"tenant_id": m.TenantID,
		"status":    string(m.Status),
		"action":    action,
	}).Info("membership transition")
}
