package router

import "errors"

var (
	ErrNilIndex = errors.New("router requires a subscription index")
)
