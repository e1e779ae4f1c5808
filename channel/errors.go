package channel

import "errors"

var (
	// ErrNoDialer is returned by Dial and ConfigBuilder.Build when a
	// Config carries no Dialer.
	ErrNoDialer = errors.New("channel: no dialer configured")

	// ErrClosed is returned by Command, Send and friends when the channel
	// is not open, either because Open was never called, Close was
	// called, or the transport disappeared from under an outstanding
	// command.
	ErrClosed = errors.New("channel: not open")

	// ErrTimeout is returned by Command when no final response arrived
	// within the configured timeout.
	ErrTimeout = errors.New("channel: command timed out")

	// ErrCommandTooLong is returned by Command/Send when the
	// formatted command does not fit the bounded command scratch buffer.
	ErrCommandTooLong = errors.New("channel: formatted command too long")

	// ErrConfigOverflow is returned by Config when the expected
	// "+option: value" confirmation string does not fit the scratch
	// buffer used to compare against the modem's reply.
	ErrConfigOverflow = errors.New("channel: config option/value too long")

	// ErrConfigNotConfirmed is returned by Config when every attempt was
	// spent without the modem ever echoing back the expected value. This
	// resolves a latent defect in the reference implementation, which
	// returned success (0) in this case too.
	ErrConfigNotConfirmed = errors.New("channel: configuration not confirmed")
)
