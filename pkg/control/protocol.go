// Package control implements the request/response exchange on a broker's
// control endpoint.
//
// Every message is one frame (see endpoint.WriteFrame). A subscribe request
// carries the JSON encoding of the subscriber's endpoint.Address and is
// answered with Ack or an error reply. A shutdown request is the raw
// ShutdownSentinel frame and gets no reply; the broker closes the
// connection once shutdown has finished.
package control

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/types"
)

const (
	// ShutdownSentinel asks the broker to detach everything and exit. It
	// cannot be mistaken for an encoded address, which always starts
	// with '{'.
	ShutdownSentinel = "$$$"
	// Ack is the reply to a successful subscribe
	Ack = "ok"

	errPrefix = "err: "
)

// Kind identifies a control request
type Kind string

const (
	KindSubscribe Kind = "subscribe"
	KindShutdown  Kind = "shutdown"
)

// Request is a decoded control message
type Request struct {
	Kind    Kind
	Address endpoint.Address
}

// ParseRequest decodes one control frame
func ParseRequest(frame []byte) (Request, error) {
	if string(frame) == ShutdownSentinel {
		return Request{Kind: KindShutdown}, nil
	}

	addr, err := endpoint.DecodeAddress(frame)
	if err != nil {
		return Request{}, err
	}
	if err := addr.Validate(); err != nil {
		return Request{}, err
	}
	return Request{Kind: KindSubscribe, Address: addr}, nil
}

// ReadRequest reads and decodes one request from r. A peer that hangs up
// before sending anything yields io.EOF.
func ReadRequest(r io.Reader, maxSize int) (Request, error) {
	frame, err := endpoint.ReadFrame(r, maxSize)
	if err != nil {
		return Request{}, err
	}
	return ParseRequest(frame)
}

// WriteSubscribe sends a subscribe request for addr
func WriteSubscribe(w io.Writer, addr endpoint.Address) error {
	payload, err := endpoint.EncodeAddress(addr)
	if err != nil {
		return err
	}
	return endpoint.WriteFrame(w, payload)
}

// WriteShutdown sends the shutdown sentinel
func WriteShutdown(w io.Writer) error {
	return endpoint.WriteFrame(w, []byte(ShutdownSentinel))
}

// WriteAck acknowledges a subscribe request
func WriteAck(w io.Writer) error {
	return endpoint.WriteFrame(w, []byte(Ack))
}

// WriteError rejects a request. The error code, when present, survives
// the trip and is restored by ParseReply.
func WriteError(w io.Writer, err error) error {
	msg := err.Error()
	if code := types.GetErrorCode(err); code != "" && !strings.HasPrefix(msg, code+": ") {
		msg = code + ": " + msg
	}
	return endpoint.WriteFrame(w, []byte(errPrefix+msg))
}

// ParseReply turns a reply frame into nil (Ack) or an error
func ParseReply(frame []byte) error {
	if bytes.Equal(frame, []byte(Ack)) {
		return nil
	}

	s := string(frame)
	if !strings.HasPrefix(s, errPrefix) {
		return types.NewError(types.ErrCodeInvalid, fmt.Sprintf("unexpected control reply: %q", s))
	}
	s = strings.TrimPrefix(s, errPrefix)

	if code, msg, ok := strings.Cut(s, ": "); ok && isErrCode(code) {
		return types.NewError(code, "broker rejected request: "+msg)
	}
	return types.NewError(types.ErrCodeFailedPrecondition, "broker rejected request: "+s)
}

func isErrCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && r != '_' {
			return false
		}
	}
	return true
}
