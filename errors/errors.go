package errors

import "fmt"

var (
	ErrWorkerPanic         = fmt.Errorf("worker panic")
	ErrNotConnected        = fmt.Errorf("transport is not connected")
	ErrAuthFailed          = fmt.Errorf("authentication rejected by server")
	ErrTokenExpired        = fmt.Errorf("credential token is expired")
	ErrConnectionDegraded  = fmt.Errorf("connection degraded after exhausting retries")
	ErrUnknownEvent        = fmt.Errorf("unknown event name")
	ErrMalformedEvent      = fmt.Errorf("malformed event payload")
	ErrUnknownMessage      = fmt.Errorf("message is not present in the store")
	ErrStatusRegression    = fmt.Errorf("message status cannot move backwards")
	ErrUnknownConversation = fmt.Errorf("conversation is not present in the store")
)
