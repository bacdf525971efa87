package authfront

import "context"

type ctxKey string

const ctxKeySkipRenewal ctxKey = "authfront_skip_renewal"

// WithoutRenewal marks requests made with ctx so an authorization failure is
// returned as-is instead of renewing the session.
func WithoutRenewal(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKeySkipRenewal, true)
}

// RenewalSkipped reports whether ctx was marked with WithoutRenewal.
func RenewalSkipped(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKeySkipRenewal).(bool)
	return v
}
