package authorization

import (
	"context"
	"errors"
)

// Service decides whether a role may perform an action on an object.
type Service interface {
	Authorize(ctx context.Context, role string, object string, action string) error
}

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)
