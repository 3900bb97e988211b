package protocol

import (
	"fmt"
	"strings"
)

// Classify maps the value returned by a worker method onto a Response:
//   - a bare StatusCode yields that code and no payload
//   - a sequence starting with a StatusCode yields that code; a single
//     trailing element is the payload, several form a grouped payload
//   - anything else is an implicit success carrying the value
//
// The payload lands in ReturnValue for StatusSucceeded and in ErrorValue
// otherwise. callID is copied into the Response.
func Classify(callID string, ret any) *Response {
	resp := &Response{CallID: callID}

	switch v := ret.(type) {
	case StatusCode:
		resp.Status = v
		return resp
	case []any:
		if len(v) > 0 {
			if code, ok := v[0].(StatusCode); ok {
				resp.Status = code
				var payload any
				switch len(v) {
				case 1:
				case 2:
					payload = v[1]
				default:
					payload = append([]any(nil), v[1:]...)
				}
				if code == StatusSucceeded {
					resp.ReturnValue = payload
				} else {
					resp.ErrorValue = payload
				}
				return resp
			}
		}
	}

	resp.Status = StatusSucceeded
	resp.ReturnValue = ret
	return resp
}

// FatalResponse builds the response for an error raised while running a
// method. The error value has the form
// "type=<kind> : <capabilities>.<method> : <message>".
func FatalResponse(callID, capabilities, method string, err error) *Response {
	return &Response{
		CallID:     callID,
		Status:     StatusFatal,
		ErrorValue: fmt.Sprintf("type=%s : %s.%s : %v", ErrorKind(err), capabilities, method, err),
	}
}

// Kinded lets an error report its own kind name for diagnostics
type Kinded interface {
	Kind() string
}

// ErrorKind returns a diagnostic name for the dynamic type of err, e.g.
// "fs.PathError". Errors implementing Kinded report their own name.
func ErrorKind(err error) string {
	if err == nil {
		return "nil"
	}
	if k, ok := err.(Kinded); ok {
		return k.Kind()
	}
	return strings.TrimLeft(fmt.Sprintf("%T", err), "*")
}
