package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const Header = "X-Request-Id"

type ctxKey struct{}

func New() string {
	return uuid.NewString()
}

// FromHeader returns the incoming id, or a fresh one when it is blank.
func FromHeader(value string) string {
	if id := strings.TrimSpace(value); id != "" {
		return id
	}
	return New()
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
