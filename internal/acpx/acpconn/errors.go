package acpconn

import (
	"errors"
	"regexp"
	"strconv"
)

// rpcCoder matches the common shape of a JSON-RPC error type (the
// teacher's own hand-rolled jsonrpcError in
// internal/worker/driver/codex/acp/bridge.go exposes a Code field via
// its Error() string; several JSON-RPC client libraries in the wider Go
// ecosystem expose it via a Code() int method instead). acpconn checks
// for the method form first since it doesn't require parsing text.
type rpcCoder interface {
	Code() int
}

var acpErrorCodeRe = regexp.MustCompile(`(-3\d{4})`)

// extractACPCode pulls a JSON-RPC error code out of an error returned by
// the acp-go-sdk, for the recoverability checks of spec §4.E (typed
// ACP error code ∈ {-32001, -32002}) and for attaching acpxerr.ACPDetail.
// Falls back to scanning the error text for an embedded "-32NNN" code,
// matching the format the teacher's own jsonrpcError.Error() produces
// ("JSON-RPC error %d: %s").
// ExtractACPCode is the exported form of extractACPCode, for callers
// outside this package (connectload's recoverable-error predicate,
// spec §4.E step 3) that need the same code/message extraction acpconn
// uses internally for acpxerr.ACPDetail attachment.
func ExtractACPCode(err error) (code int, message string, ok bool) {
	return extractACPCode(err)
}

func extractACPCode(err error) (code int, message string, ok bool) {
	if err == nil {
		return 0, "", false
	}
	var coder rpcCoder
	if errors.As(err, &coder) {
		return coder.Code(), err.Error(), true
	}
	if m := acpErrorCodeRe.FindStringSubmatch(err.Error()); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			return n, err.Error(), true
		}
	}
	return 0, err.Error(), false
}
