package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderInvalidRequest = errors.New("order: invalid request")
	ErrOrderNotFound       = errors.New("order: not found")
	ErrOrderNoVenueRef     = errors.New("order: no venue order key or id cached")
	ErrOrderTerminal       = errors.New("order: already in a terminal state")
	ErrOrderRejected       = errors.New("order: rejected by venue")
	ErrOrderReplaceAborted = errors.New("order: replace aborted")
	ErrOrderNilVenue       = errors.New("order: nil venue")
	ErrOrderNilStore       = errors.New("order: nil store")
)
