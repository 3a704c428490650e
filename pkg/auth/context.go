package auth

import (
	"context"
	"errors"
)

type contextKey string

const (
	operatorKey contextKey = "operator"
)

// Operator is the authenticated caller of a mutating endpoint.
type Operator struct {
	ID    string
	Roles []string
}

func (o Operator) HasRole(role string) bool {
	for _, r := range o.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithOperator attaches an Operator to the context.
func WithOperator(ctx context.Context, o Operator) context.Context {
	return context.WithValue(ctx, operatorKey, o)
}

// GetOperator retrieves the Operator from the context.
func GetOperator(ctx context.Context) (Operator, error) {
	o, ok := ctx.Value(operatorKey).(Operator)
	if !ok {
		return Operator{}, errors.New("no operator in context")
	}
	return o, nil
}
