package exception

import "github.com/yanun0323/errors"

var (
	ErrPositionNotFound   = errors.New("position: not found")
	ErrPositionInvalid    = errors.New("position: invalid definition")
	ErrPositionUnknownLeg = errors.New("position: unknown leg alias")
)
