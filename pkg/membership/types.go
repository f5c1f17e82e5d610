// Package membership implements the lifecycle of a (user, tenant) pairing.
//
// The lifecycle is a closed state machine: invited -> active -> suspended ->
// removed -> invited. Every transition is written with a single conditional
// UPDATE so that concurrent transition attempts resolve to exactly one
// winner, and each successful transition fires its lifecycle hook at most
// once.
package membership

import (
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/warden/pkg/errs"
)

// Status is a membership lifecycle state
type Status string

const (
	StatusInvited   Status = "invited"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRemoved   Status = "removed"
)

// Membership is one row per (user, tenant) pair
type Membership struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	TenantID      int64      `json:"tenant_id"`
	Status        Status     `json:"status"`
	InvitedBy     int64      `json:"invited_by"`
	InvitedAt     time.Time  `json:"invited_at"`
	JoinedAt      *time.Time `json:"joined_at,omitempty"`
	PendingRoleID *int64     `json:"pending_role_id,omitempty"`
	RemovedAt     *time.Time `json:"removed_at,omitempty"`
	RemovedBy     *int64     `json:"removed_by,omitempty"`
}

// validTransitions is the complete transition graph. Any (source, target)
// pair not listed here is rejected with InvalidTransition.
var validTransitions = map[Status][]Status{
	StatusInvited:   {StatusActive},
	StatusActive:    {StatusSuspended, StatusRemoved},
	StatusSuspended: {StatusActive, StatusRemoved},
	StatusRemoved:   {StatusInvited},
}

// CanTransition reports whether from -> to is a valid lifecycle transition
func CanTransition(from, to Status) bool {
	for _, target := range validTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// ValidTargets returns the states reachable from a given state
func ValidTargets(from Status) []Status {
	targets := validTransitions[from]
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}

// invalidTransition builds the taxonomy error for a rejected transition,
// naming the attempted transition and the states actually reachable.
func invalidTransition(from, to Status) *errs.Error {
	targets := ValidTargets(from)
	names := make([]string, len(targets))
	for i, s := range targets {
		names[i] = string(s)
	}
	valid := "none"
	if len(names) > 0 {
		valid = strings.Join(names, ", ")
	}
	return errs.New(errs.KindInvalidTransition,
		fmt.Sprintf("cannot transition membership from %s to %s (valid targets: %s)", from, to, valid))
}
