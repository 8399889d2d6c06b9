package liveql

import (
	"fmt"
)

// error taxonomy for the session and wire layers.
// query-scoped server errors are delivered to the affected subscription's
// callbacks as a Failure result and never tear down the connection.

type NotConnectedError struct {
	State ConnectionState
}

func (self *NotConnectedError) Error() string {
	return fmt.Sprintf("not connected (state %s)", self.State)
}

type InvalidQueryError struct {
	Message string
}

func (self *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", self.Message)
}

// an inbound envelope did not match the expected envelope shape.
// these are logged and dropped, never propagated out of the dispatch loop.
type DecodingError struct {
	Message string
	Cause   error
}

func (self *DecodingError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("decoding error: %s: %s", self.Message, self.Cause)
	}
	return fmt.Sprintf("decoding error: %s", self.Message)
}

func (self *DecodingError) Unwrap() error {
	return self.Cause
}

type EncodingError struct {
	Message string
	Cause   error
}

func (self *EncodingError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("encoding error: %s: %s", self.Message, self.Cause)
	}
	return fmt.Sprintf("encoding error: %s", self.Message)
}

func (self *EncodingError) Unwrap() error {
	return self.Cause
}

// the outbound buffer cannot accept another envelope right now. the caller
// may retry; the connection itself is still up.
type SendBufferFullError struct {
	Size int
}

func (self *SendBufferFullError) Error() string {
	return fmt.Sprintf("send buffer full (%d envelopes)", self.Size)
}

// the `error` op from the server
type ServerError struct {
	Message string
	Hint    string
}

func (self *ServerError) Error() string {
	if self.Hint != "" {
		return fmt.Sprintf("server error: %s (%s)", self.Message, self.Hint)
	}
	return fmt.Sprintf("server error: %s", self.Message)
}
