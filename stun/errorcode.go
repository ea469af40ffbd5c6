package stun

import "fmt"

// Code is the 3-digit numeric value of an ERROR-CODE attribute.
type Code int

// Error codes this server returns, per RFC 5389 Section 15.6 and RFC 5766
// Section 15.
const (
	CodeBadRequest                  Code = 400
	CodeUnauthorized                Code = 401
	CodeForbidden                   Code = 403
	CodeUnknownAttribute            Code = 420
	CodeAllocMismatch               Code = 437
	CodeStaleNonce                  Code = 438
	CodeWrongCredentials            Code = 441
	CodeUnsupportedTransportProtocol Code = 442
	CodeAllocationQuotaReached      Code = 486
	CodeInsufficientCapacity        Code = 508
	CodeServerError                 Code = 500
)

var codeReasons = map[Code]string{
	CodeBadRequest:                   "Bad Request",
	CodeUnauthorized:                 "Unauthorized",
	CodeForbidden:                    "Forbidden",
	CodeUnknownAttribute:             "Unknown Attribute",
	CodeAllocMismatch:                "Allocation Mismatch",
	CodeStaleNonce:                   "Stale Nonce",
	CodeWrongCredentials:             "Wrong Credentials",
	CodeUnsupportedTransportProtocol: "Unsupported Transport Protocol",
	CodeAllocationQuotaReached:       "Allocation Quota Reached",
	CodeInsufficientCapacity:         "Insufficient Capacity",
	CodeServerError:                  "Server Error",
}

func (c Code) String() string {
	if r, ok := codeReasons[c]; ok {
		return r
	}
	return fmt.Sprintf("error %d", int(c))
}

// AddTo implements Setter, letting handlers write ctx.buildErr(CodeX)
// directly instead of spelling out NewError(CodeX) at every call site.
func (c Code) AddTo(m *Message) error {
	return NewError(c).AddTo(m)
}

// ErrorCodeAttribute implements ERROR-CODE: a class/number pair packed into
// the low 11 bits (per RFC 5389 Section 15.6) followed by a UTF-8 reason
// phrase, written by every error response this server builds.
type ErrorCodeAttribute struct {
	Code   Code
	Reason string
}

// NewError builds an ErrorCodeAttribute with the code's default reason
// phrase, the common case for handler-built error responses.
func NewError(code Code) ErrorCodeAttribute {
	return ErrorCodeAttribute{Code: code, Reason: code.String()}
}

func (e ErrorCodeAttribute) String() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

// AddTo implements Setter.
func (e ErrorCodeAttribute) AddTo(m *Message) error {
	class := byte(e.Code / 100)
	number := byte(e.Code % 100)
	reason := e.Reason
	if reason == "" {
		reason = e.Code.String()
	}
	value := make([]byte, 4+len(reason))
	value[2] = class
	value[3] = number
	copy(value[4:], reason)
	m.Add(AttrErrorCode, value)
	return nil
}

// GetFrom implements Getter.
func (e *ErrorCodeAttribute) GetFrom(m *Message) error {
	v, err := m.Get(AttrErrorCode)
	if err != nil {
		return err
	}
	if len(v) < 4 {
		return Error("stun: error-code attribute too short")
	}
	class := int(v[2] & 0x7)
	number := int(v[3])
	e.Code = Code(class*100 + number)
	e.Reason = string(v[4:])
	return nil
}
