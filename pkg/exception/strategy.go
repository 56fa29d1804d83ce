package exception

import "github.com/yanun0323/errors"

var (
	ErrStrategyNotFound       = errors.New("strategy: instance not found")
	ErrStrategyUnknownType    = errors.New("strategy: unknown type")
	ErrStrategyNoQuote        = errors.New("strategy: quote unavailable")
	ErrStrategyUnknownAlias   = errors.New("strategy: alias not registered")
	ErrStrategyPositionAbsent = errors.New("strategy: position not found")
)
