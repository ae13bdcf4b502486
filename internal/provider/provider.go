package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/mobilemsg/pushbox/internal/message"
)

// SendResult is the tri-state outcome every transport reduces to.
type SendResult int

const (
	SendSuccess SendResult = iota
	SendFailed
	SendFailedDoNotRetry
)

func (r SendResult) String() string {
	switch r {
	case SendSuccess:
		return "success"
	case SendFailed:
		return "failed"
	case SendFailedDoNotRetry:
		return "failed_do_not_retry"
	}
	return "unknown"
}

// State is a provider's connection state as reported to its observer.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateReconnecting
	StateUnconfigured
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	case StateUnconfigured:
		return "unconfigured"
	case StateActive:
		return "active"
	}
	return "unknown"
}

// Tagged send errors. Providers return these instead of leaking their
// transport-internal failure shapes; Classify maps them to a SendResult.
var (
	// ErrTransientNetwork marks a recoverable I/O failure (timeout,
	// connection refused, broken pipe).
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrAuthRequired marks a failed token acquisition or a 401; expected
	// to clear on re-auth, so retryable.
	ErrAuthRequired = errors.New("authentication required")
	// ErrNoUI marks an auth flow that needs a foreground UI which is not
	// currently available; retryable once the app is foregrounded.
	ErrNoUI = errors.New("no ui available for authentication")
	// ErrTLSHandshake marks a TLS handshake failure. Retryable for queued
	// messages, terminal for single-attempt ones.
	ErrTLSHandshake = errors.New("tls handshake failure")
	// ErrPermanent marks a rejected payload or malformed request.
	ErrPermanent = errors.New("permanent send failure")
)

// Classify maps a send error onto the tri-state result. The mapping is an
// explicit table rather than inspection of wrapped transport errors:
//
//	nil                          -> Success
//	ErrAuthRequired, ErrNoUI     -> Failed (clears on re-auth / foreground)
//	ErrTLSHandshake              -> Failed, but FailedDoNotRetry when the
//	                                message is single-attempt
//	ErrTransientNetwork          -> Failed
//	net timeouts, ctx deadline   -> Failed
//	anything else                -> FailedDoNotRetry
func Classify(err error, singleAttempt bool) SendResult {
	switch {
	case err == nil:
		return SendSuccess
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrNoUI):
		return SendFailed
	case errors.Is(err, ErrTLSHandshake):
		if singleAttempt {
			return SendFailedDoNotRetry
		}
		return SendFailed
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, context.DeadlineExceeded):
		return SendFailed
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return SendFailed
		}
		return SendFailedDoNotRetry
	}
}

// WrapTransport tags an error from an HTTP round trip with the matching
// sentinel so Classify can stay a pure table lookup.
func WrapTransport(err error) error {
	if err == nil {
		return nil
	}
	var recErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &recErr) || errors.As(err, &certErr) {
		return errors.Join(ErrTLSHandshake, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTransientNetwork, err)
	}
	return errors.Join(ErrPermanent, err)
}

// Observer receives inbound messages and connection state transitions.
// The engine implements it; registries re-attach it on every resolution.
type Observer interface {
	MessageReceived(m *message.Message)
	ConnectionStateChanged(provider string, s State)
}

// Provider is a pluggable transport. Implementations translate their wire
// outcomes to a tagged error before returning from SendMessage; the engine
// never inspects transport-internal failures.
type Provider interface {
	Name() string
	Configure(config string) error
	SetObserver(o Observer)

	Start(ctx context.Context) error
	Stop()
	SetNetworkConnected(connected bool)

	SubscribeChannel(channel string) error
	UnsubscribeChannel(channel string) error

	SendMessage(ctx context.Context, m *message.Message) (SendResult, error)

	// CheckOnce performs a single bounded receive pass and then invokes
	// onComplete exactly once, whether or not anything was received.
	CheckOnce(ctx context.Context, onComplete func())
}
