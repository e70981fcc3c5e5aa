package ipc

import "github.com/zerofrip/system-shizuku/internal/apperr"

// kindCodes maps the broker's apperr.Kind taxonomy (spec.md §7) onto the
// JSON-RPC server-defined error range.
var kindCodes = map[apperr.Kind]int{
	apperr.KindNotOwner:             -32001,
	apperr.KindNotAuthorized:        -32002,
	apperr.KindRateLimit:            -32003,
	apperr.KindResourceExhausted:    -32004,
	apperr.KindNotGranted:           -32005,
	apperr.KindNotExited:            -32006,
	apperr.KindTransportUnavailable: -32007,
}

// toWireError converts any error returned by an engine into a wire-level
// JSON-RPC error. apperr.Error values map to their stable code/kind name;
// anything else (a bug, a store I/O failure that wasn't swallowed) is
// reported as an opaque internal error so it never leaks implementation
// detail to a caller across the trust boundary.
func toWireError(err error) *WireError {
	if aerr, ok := apperr.As(err); ok {
		code, known := kindCodes[aerr.Kind]
		if !known {
			code = codeInternalError
		}
		return &WireError{Code: code, Message: aerr.Message, Data: string(aerr.Kind)}
	}
	return &WireError{Code: codeInternalError, Message: "internal error"}
}
