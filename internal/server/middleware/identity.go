package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/dwellogo/dealdesk/internal/domain"
)

// Identity headers set by the upstream gateway once it has authenticated the
// caller. This service never issues sessions itself.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type actorKey struct{}

// Identity stores the caller from the identity headers in the request
// context. Requests without a user id pass through anonymous; the service
// rejects them on any negotiation operation.
func Identity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			role := domain.AccountRole(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))))
			if !role.Valid() {
				role = domain.AccountUser
			}
			ctx := WithActor(r.Context(), domain.Actor{ID: id, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the caller stored by Identity, or the zero Actor.
func ActorFrom(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(actorKey{}).(domain.Actor)
	return actor
}
