package mls

import "errors"

// Sentinel errors returned by this package. Wrap with fmt.Errorf and %w
// when call-site context is useful; compare with errors.Is at call sites.
var (
	ErrInvalidTLSSyntax = errors.New("mls: malformed TLS-presentation encoding")
	ErrProtocolError    = errors.New("mls: protocol error")
	ErrInvalidParameter = errors.New("mls: invalid parameter")
	ErrIncompatibleNode = errors.New("mls: incompatible node")
	ErrInvalidPath      = errors.New("mls: invalid direct path")
	ErrInvalidIndex     = errors.New("mls: invalid index")
	ErrMissingNode      = errors.New("mls: missing node")
	ErrMissingState     = errors.New("mls: missing state for epoch")
)
