package auth

import (
	"context"
	"slices"

	"go.uber.org/zap"
)

// Roles allowed to reprocess assets they do not own.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

type requesterKeyType struct{}

var requesterKey requesterKeyType

// Requester is the user on whose behalf pipeline work runs.
type Requester struct {
	ID    string `validate:"required"`
	Roles []string
}

func (r Requester) HasRole(role string) bool {
	return slices.Contains(r.Roles, role)
}

// Elevated reports whether the requester may act on any user's assets.
func (r Requester) Elevated() bool {
	return r.HasRole(RoleAdmin) || r.HasRole(RoleModerator)
}

// CanReprocess reports whether the requester may reprocess an asset owned by ownerID.
func (r Requester) CanReprocess(ownerID string) bool {
	if r.ID == "" {
		return false
	}
	return r.ID == ownerID || r.Elevated()
}

func RequesterFromContext(ctx context.Context) (Requester, bool) {
	val := ctx.Value(requesterKey)
	if val == nil {
		return Requester{}, false
	}
	return val.(Requester), true
}

func MustHaveRequester(ctx context.Context) Requester {
	r, found := RequesterFromContext(ctx)
	if !found {
		zap.S().Named("auth").Panic("failed to find requester in context")
	}
	return r
}

func NewRequesterContext(ctx context.Context, r Requester) context.Context {
	return context.WithValue(ctx, requesterKey, r)
}
