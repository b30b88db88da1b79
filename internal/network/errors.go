package network

import "errors"

var (
	ErrTimedOut        = errors.New("network: timed out")
	ErrConnectionLost  = errors.New("network: connection lost")
	ErrRuntimeClosed   = errors.New("network: runtime closed")
	ErrAlreadyStarted  = errors.New("network: runtime already started")
	ErrListenerPanic   = errors.New("network: listener panicked")
	ErrExpectationUsed = errors.New("network: expectation already consumed")
	ErrCanceled        = errors.New("network: expectation canceled")
)
