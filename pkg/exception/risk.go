package exception

import "github.com/yanun0323/errors"

var (
	ErrRiskKillSwitch    = errors.New("risk: kill switch engaged")
	ErrRiskRateLimit     = errors.New("risk: order rate limit exceeded")
	ErrRiskMaxQty        = errors.New("risk: order qty above limit")
	ErrRiskMaxNotional   = errors.New("risk: order notional above limit")
	ErrRiskPriceBand     = errors.New("risk: price outside band")
	ErrRiskPositionLimit = errors.New("risk: position limit exceeded")
)
