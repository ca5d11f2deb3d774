package server

import (
	"context"

	"vpp-ping/message"
)

// memclnt answers the engine's built-in control messages.
type memclnt struct {
	svr *Server
}

func (m *memclnt) ControlPing(ctx context.Context, req *message.ControlPing) (*message.ControlPingReply, error) {
	if retval := m.svr.retval.Load(); retval != 0 {
		return nil, Errno(retval)
	}
	return &message.ControlPingReply{
		ClientIndex: ClientIndexFrom(ctx),
		VpePID:      m.svr.pid,
	}, nil
}
