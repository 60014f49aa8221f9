package auth

import (
	"context"
)

type contextKey string

// contextKeyAdminSubject carries the subject of the validated admin
// token through the request context.
const contextKeyAdminSubject contextKey = "admin_subject"

// WithAdminSubject stores the admin token subject on the context.
func WithAdminSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, contextKeyAdminSubject, subject)
}

// AdminSubjectFromContext retrieves the admin token subject. The
// second return value reports whether the request passed admin auth.
func AdminSubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(contextKeyAdminSubject).(string)
	return subject, ok
}
