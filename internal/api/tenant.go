package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CommunityContextKey is the key for storing community context
type CommunityContextKey struct{}

// UserContextKey is the key for storing the acting user's id
type UserContextKey struct{}

// RequireCommunity extracts the tenant from the X-Community-ID header and
// injects it into the request context. Requests without a valid community id
// are rejected; every handler below this middleware can assume a tenant.
func RequireCommunity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		communityID, err := uuid.Parse(r.Header.Get("X-Community-ID"))
		if err != nil || communityID == uuid.Nil {
			respondError(w, http.StatusUnauthorized, "community context required")
			return
		}
		ctx := context.WithValue(r.Context(), CommunityContextKey{}, communityID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCommunityIDFromContext retrieves the tenant id set by RequireCommunity.
func GetCommunityIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(CommunityContextKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// GetUserIDFromContext retrieves the acting user's id, if an auth layer set
// one.
func GetUserIDFromContext(ctx context.Context) *uuid.UUID {
	if id, ok := ctx.Value(UserContextKey{}).(uuid.UUID); ok {
		return &id
	}
	return nil
}
