package agency

import "context"

// Context carries agency and user identity information through the request lifecycle.
// It is intended to be populated once at the HTTP boundary and then passed down into
// services and repositories that require agency-aware behavior.
type Context struct {
	AgencyID      string
	UserID        string
	Roles         []string
	IsSystemAdmin bool
}

type agencyContextKey struct{}

// WithContext attaches the given agency Context to the provided context and returns
// a derived context. Callers should use this helper instead of storing the value
// under arbitrary keys.
func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, agencyContextKey{}, ac)
}

// FromContext attempts to retrieve an agency Context from the given context. The
// second return value indicates whether one was present.
func FromContext(ctx context.Context) (Context, bool) {
	value := ctx.Value(agencyContextKey{})
	if value == nil {
		return Context{}, false
	}

	ac, ok := value.(Context)
	if !ok {
		return Context{}, false
	}

	return ac, true
}

// MustFromContext retrieves the agency Context from the given context and panics if
// it is missing. It is suitable for places where the presence of an agency has been
// guaranteed by earlier middleware and its absence indicates a programming error.
func MustFromContext(ctx context.Context) Context {
	ac, ok := FromContext(ctx)
	if !ok {
		panic("agency: Context missing from context")
	}

	return ac
}
