// Package wireerr implements the error taxonomy that the forward-proxy
// engine surfaces to upper layers (spec §7). Every error that crosses a
// suspension point in pump, dialer, session, or race is normalized to one
// of these codes before it leaves the package that produced it.
package wireerr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// Code is one of the taxonomy values enumerated in spec §7.
type Code string

const (
	IOPending             Code = "io_pending"
	Aborted               Code = "aborted"
	ConnectionClosed      Code = "connection_closed"
	ConnectionReset       Code = "connection_reset"
	ConnectionRefused     Code = "connection_refused"
	ConnectionFailed      Code = "connection_failed"
	AddressUnreachable    Code = "address_unreachable"
	NameNotResolved       Code = "name_not_resolved"
	TimedOut              Code = "timed_out"
	NoBufferSpace         Code = "no_buffer_space"
	CertAuthorityInvalid  Code = "cert_authority_invalid"
	CertNameInvalid       Code = "cert_name_invalid"
	CertDateInvalid       Code = "cert_date_invalid"
	DisallowedURLScheme   Code = "disallowed_url_scheme"
	FileTooBig            Code = "file_too_big"
	HTTPResponseCodeError Code = "http_response_code_failure"
	TunnelConnectFailed   Code = "tunnel_connection_failed"
	ProxyAuthRequired     Code = "proxy_auth_required"
	QUICProtocolError     Code = "quic_protocol_error"
	QUICHandshakeFailed   Code = "quic_handshake_failed"
	BlockedByClient       Code = "blocked_by_client"
	MsgTooBig             Code = "msg_too_big"
	OK                    Code = "ok"
)

// WireError pairs a taxonomy Code with the underlying cause, when one
// exists (OK and Aborted-by-nothing cases may carry no cause).
type WireError struct {
	Code  Code
	Cause error
}

func (e *WireError) Error() string {
	if e == nil {
		return string(OK)
	}
	if e.Cause == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *WireError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New wraps cause under code.
func New(code Code, cause error) *WireError {
	return &WireError{Code: code, Cause: cause}
}

// Is reports whether err is a WireError with the given code, matching
// errors.Is semantics.
func Is(err error, code Code) bool {
	var we *WireError
	if !errors.As(err, &we) {
		return false
	}
	return we != nil && we.Code == code
}

const maxCauseMsgLen = 512

// Classify maps an arbitrary error from a non-CONNECT (request/response)
// path into the taxonomy. Mirrors the teacher's classifyUpstreamError, but
// generalized from an HTTP-status result to the full §7 enum. Returns nil
// only for a nil err. context.Canceled maps to Aborted, the code for
// caller-initiated cancellation, so callers can tell it apart from network
// failures (the race controller records no brokenness for it).
func Classify(err error) *WireError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return New(Aborted, err)
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return New(TimedOut, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return New(ConnectionClosed, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return New(NameNotResolved, err)
	}

	if code, ok := classifyCert(err); ok {
		return New(code, err)
	}

	if errno, ok := extractErrno(err); ok {
		switch errno {
		case syscall.ECONNREFUSED:
			return New(ConnectionRefused, err)
		case syscall.ECONNRESET:
			return New(ConnectionReset, err)
		case syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return New(AddressUnreachable, err)
		case syscall.ENOBUFS, syscall.ENOMEM:
			return New(NoBufferSpace, err)
		case syscall.ETIMEDOUT:
			return New(TimedOut, err)
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return New(ConnectionFailed, err)
	}

	return New(ConnectionFailed, err)
}

// ClassifyConnect classifies errors on the CONNECT/dial path, where the
// default bucket is connection_failed rather than a request-level failure
// (mirrors classifyConnectError: every non-timeout/non-canceled error in
// the dial phase is a dial failure, never a request failure).
func ClassifyConnect(err error) *WireError {
	we := Classify(err)
	if we == nil {
		return nil
	}
	switch we.Code {
	case Aborted, TimedOut, NameNotResolved, ConnectionRefused, ConnectionReset,
		AddressUnreachable, NoBufferSpace, CertAuthorityInvalid, CertNameInvalid, CertDateInvalid:
		return we
	default:
		return New(ConnectionFailed, err)
	}
}

func classifyCert(err error) (Code, bool) {
	var certInvalidErr x509.CertificateInvalidError
	if errors.As(err, &certInvalidErr) {
		switch certInvalidErr.Reason {
		case x509.Expired:
			return CertDateInvalid, true
		default:
			return CertNameInvalid, true
		}
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return CertAuthorityInvalid, true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return CertNameInvalid, true
	}
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &recordHeaderErr) {
		return CertNameInvalid, true
	}
	return "", false
}

func extractErrno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return 0, false
	}
	return errno, true
}

// SanitizeMessage trims and bounds a raw error message for logging, as the
// teacher's sanitizeUpstreamErrMsg does.
func SanitizeMessage(raw string) string {
	raw = strings.Join(strings.Fields(strings.TrimSpace(raw)), " ")
	if len(raw) > maxCauseMsgLen {
		return raw[:maxCauseMsgLen]
	}
	return raw
}

// IsBenignCopyError reports whether err is an expected, non-diagnostic
// outcome of a duplex copy being torn down (peer/local close), as opposed
// to a real transport failure worth surfacing.
func IsBenignCopyError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "closed network connection")
}
