// Package errors defines the typed failure taxonomy shared by the
// coordination engine and its HTTP and relay surfaces.
//
// Codes are dotted strings whose last segment is the reason
// ("not_found", "denied", "conflict", ...). Callers classify errors by
// reason rather than by exact code.
package errors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeRequestInvalidInput Code = "request.invalid_input"

	CodeAuthTokenUnauthorized    Code = "auth.token.unauthorized"
	CodeAuthTokenLifetimeInvalid Code = "auth.token.lifetime.invalid_input"
	CodeAuthPermissionDenied     Code = "auth.permission.denied"

	CodeAgentNotFound           Code = "agent.not_found"
	CodeAgentNameConflict       Code = "agent.name.conflict"
	CodeChannelNotFound         Code = "channel.not_found"
	CodeChannelNameConflict     Code = "channel.name.conflict"
	CodeChannelAccessDenied     Code = "channel.access.denied"
	CodeMessageNotFound         Code = "message.not_found"
	CodeMessageInvalidInput     Code = "message.invalid_input"
	CodeMessageSenderDenied     Code = "message.sender.denied"
	CodeMessageSignatureInvalid Code = "message.signature.invalid_input"

	CodeRelayAckTimeout         Code = "relay.ack.timeout"
	CodeRelayFrameInvalidFormat Code = "relay.frame.invalid_format"
	CodeRelayFrameUnknownType   Code = "relay.frame.unknown_type"
	CodeRelayNotConnected       Code = "relay.agent.not_found"

	CodeStoreFailure    Code = "store.database.failure"
	CodeInternalFailure Code = "server.internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldAgentID(value string) Attr {
	return Field("agent_id", value)
}

func FieldChannelID(value string) Attr {
	return Field("channel_id", value)
}

func FieldMessageID(value string) Attr {
	return Field("message_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

// CodeOf returns the code carried by err, or "" for plain errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func FieldsOf(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func IsInvalidInput(err error) bool {
	return reason(CodeOf(err)) == "invalid_input"
}

func IsPermissionDenied(err error) bool {
	return reason(CodeOf(err)) == "denied"
}

func IsUnauthorized(err error) bool {
	return reason(CodeOf(err)) == "unauthorized"
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsAlreadyExists(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsInvalidFormat(err error) bool {
	return reason(CodeOf(err)) == "invalid_format"
}

func IsUnknownType(err error) bool {
	return reason(CodeOf(err)) == "unknown_type"
}

// HTTPStatus maps err onto the status code the HTTP layer answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsInvalidInput(err), IsInvalidFormat(err), IsUnknownType(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case IsPermissionDenied(err):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	case IsAlreadyExists(err):
		return http.StatusConflict
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WireCode maps err onto the code carried by relay error frames.
func WireCode(err error) string {
	switch {
	case IsInvalidFormat(err):
		return "INVALID_FORMAT"
	case IsUnknownType(err):
		return "UNKNOWN_TYPE"
	case IsInvalidInput(err):
		return "INVALID_INPUT"
	case IsUnauthorized(err):
		return "UNAUTHORIZED"
	case IsPermissionDenied(err):
		return "PERMISSION_DENIED"
	case IsNotFound(err):
		return "NOT_FOUND"
	case IsAlreadyExists(err):
		return "ALREADY_EXISTS"
	case IsTimeout(err):
		return "TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
