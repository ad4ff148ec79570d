package domain

import "context"

// SystemPrincipal is credited when no user is attached to the context.
const SystemPrincipal = "system"

type principalKey struct{}

// WithPrincipal returns a context crediting name for the changes made
// with it.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey{}, name)
}

// PrincipalFrom returns the acting user of ctx.
func PrincipalFrom(ctx context.Context) string {
	if name, ok := ctx.Value(principalKey{}).(string); ok && name != "" {
		return name
	}
	return SystemPrincipal
}
