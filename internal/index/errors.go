package index

import "errors"

var (
	ErrEmptySubscriptionID   = errors.New("subscription ID cannot be empty")
	ErrDuplicateSubscription = errors.New("subscription ID already registered")
)
