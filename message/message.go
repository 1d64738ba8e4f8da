// Package message defines the envelope carried inside every protocol frame.
package message

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrBadServiceMethod is returned for names not of the form "Service.Method".
var ErrBadServiceMethod = errors.New("service method must be of the form Service.Method")

// RPCMessage carries one request or one response.
//
//   - request:  ServiceMethod and Payload (the encoded args) are set.
//   - response: Payload holds the encoded reply; Error is non-empty when the
//     provider failed the call.
type RPCMessage struct {
	ServiceMethod string
	Error         string
	Payload       []byte
}

// Failed reports whether the message carries a provider error.
func (m *RPCMessage) Failed() bool {
	return m.Error != ""
}

// ErrorReply builds a response that carries only an error.
func ErrorReply(serviceMethod, reason string) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Error: reason}
}

// SplitServiceMethod splits "Hello.Hello" into its service and method parts.
func SplitServiceMethod(serviceMethod string) (service, method string, err error) {
	dot := strings.IndexByte(serviceMethod, '.')
	if dot <= 0 || dot == len(serviceMethod)-1 || strings.IndexByte(serviceMethod[dot+1:], '.') >= 0 {
		return "", "", errors.Wrapf(ErrBadServiceMethod, "%q", serviceMethod)
	}
	return serviceMethod[:dot], serviceMethod[dot+1:], nil
}
