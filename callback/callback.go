// Package callback defines how asynchronous API outcomes reach the caller.
//
// Every request sent through a plugin ends in exactly one callback invocation:
// the reply capability when the engine answered with retval 0, OnError otherwise.
package callback

import (
	"fmt"

	"vpp-ping/message"
)

// Error codes for failures that happen on this side of the socket. Engine
// failures carry the engine's own (negative) retval.
const (
	ErrCodeDisconnected int32 = -999
	ErrCodeTimeout      int32 = -998
	ErrCodeSendFailed   int32 = -997
)

// Callback is the capability every plugin callback has.
type Callback interface {
	OnError(err *Error)
}

// ControlPingCallback receives control_ping replies.
type ControlPingCallback interface {
	Callback
	OnControlPingReply(reply *message.ControlPingReply)
}

// ReplyCallback receives any reply that has no dedicated capability.
type ReplyCallback interface {
	Callback
	OnReply(reply message.Message)
}

// Error reports a failed call.
type Error struct {
	MethodName string `json:"call"`
	ErrorCode  int32  `json:"reply"`
	CtxID      uint32 `json:"context"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: code=%d, context=%d", e.MethodName, e.ErrorCode, e.CtxID)
}

// Timeout reports whether the call got no reply in time.
func (e *Error) Timeout() bool { return e.ErrorCode == ErrCodeTimeout }

// Retryable reports whether the failure was local to the client. An engine
// that answered with an error will answer the same way again.
func (e *Error) Retryable() bool {
	switch e.ErrorCode {
	case ErrCodeDisconnected, ErrCodeTimeout, ErrCodeSendFailed:
		return true
	}
	return false
}

// Tracker is implemented by callbacks that need the context id of every
// outcome. Dispatch hands a Tracker the outcome instead of calling its
// capabilities.
type Tracker interface {
	Callback
	Track(ctxID uint32, reply message.Message, err *Error)
}

// Dispatch delivers a reply to the single capability of cb that handles it.
// A reply with a non-zero retval is delivered to OnError.
func Dispatch(cb Callback, reply message.Message, method string, ctxID uint32) {
	var cbErr *Error
	if r, ok := reply.(message.Retvaler); ok && r.GetRetval() != 0 {
		cbErr = &Error{MethodName: method, ErrorCode: r.GetRetval(), CtxID: ctxID}
		reply = nil
	}
	if t, ok := cb.(Tracker); ok {
		t.Track(ctxID, reply, cbErr)
		return
	}
	deliver(cb, reply, cbErr, method, ctxID)
}

// Fail delivers a local failure to cb.
func Fail(cb Callback, method string, code int32, ctxID uint32) {
	err := &Error{MethodName: method, ErrorCode: code, CtxID: ctxID}
	if t, ok := cb.(Tracker); ok {
		t.Track(ctxID, nil, err)
		return
	}
	cb.OnError(err)
}

func deliver(cb Callback, reply message.Message, err *Error, method string, ctxID uint32) {
	if err != nil {
		cb.OnError(err)
		return
	}
	switch r := reply.(type) {
	case *message.ControlPingReply:
		if c, ok := cb.(ControlPingCallback); ok {
			c.OnControlPingReply(r)
			return
		}
	}
	if c, ok := cb.(ReplyCallback); ok {
		c.OnReply(reply)
		return
	}
	// Nothing can take the reply; still honour the one-outcome contract
	cb.OnError(&Error{MethodName: method, ErrorCode: ErrCodeSendFailed, CtxID: ctxID})
}
