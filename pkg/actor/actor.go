// Package actor identifies the user or system performing a stock movement.
// Ledger entries record the actor's id, display name and role.
package actor

import (
	"context"
	"fmt"

	"github.com/medflow/medflow-pharmacy/pkg/permissions"
)

// SystemID is the fixed id of the system actor.
const SystemID = "00000000-0000-0000-0000-000000000000"

// Actor represents the entity performing an action in the system.
type Actor struct {
	// ID is the unique identifier of the actor (user ID)
	ID string `json:"id"`

	// Name is the display name carried in the token
	Name string `json:"name"`

	Email    string `json:"email"`
	TenantID string `json:"tenant_id"`

	// RoleName is the actor's role, recorded on ledger entries
	RoleName string `json:"role_name,omitempty"`

	Permissions []string `json:"permissions,omitempty"`
}

// DisplayName returns the name, falling back to email and then id.
func (a *Actor) DisplayName() string {
	if a == nil {
		return ""
	}
	switch {
	case a.Name != "":
		return a.Name
	case a.Email != "":
		return a.Email
	default:
		return a.ID
	}
}

// Can reports whether the actor holds the permission.
func (a *Actor) Can(permission string) bool {
	if a == nil {
		return false
	}
	if a.IsSystem() {
		return true
	}
	return permissions.HasPermission(a.Permissions, permission)
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	return fmt.Sprintf("%s (%s)", a.DisplayName(), a.ID)
}

// contextKey is the type for context keys to avoid collisions
type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present (e.g., system operations).
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// FromContextOrSystem is FromContext with the system actor as fallback.
func FromContextOrSystem(ctx context.Context) *Actor {
	if a := FromContext(ctx); a != nil {
		return a
	}
	return SystemActor()
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// SystemActor returns an Actor representing the system itself.
// Use this for background jobs, scheduled tasks, and event consumers.
func SystemActor() *Actor {
	return &Actor{
		ID:       SystemID,
		Name:     "System",
		Email:    "system@medflow.local",
		RoleName: "system",
	}
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	if a == nil {
		return true
	}
	return a.ID == SystemID
}
