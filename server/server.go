// Package server implements a VPP binary API simulator speaking the socket API.
//
// It is the peer the probe is tested against and can stand in for an engine
// during development. Request processing pipeline:
//
//	Accept conn → handshake (sockclnt_create → client index + message table)
//	  → handleConn (single goroutine reads frames)
//	    → for each request: go handleRequest (parallel processing)
//	      → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write reply
package server

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"vpp-ping/codec"
	"vpp-ping/discovery"
	"vpp-ping/message"
	"vpp-ping/middleware"
	"vpp-ping/protocol"
	"vpp-ping/transport"
)

// ServiceName is the discovery service simulators register under.
const ServiceName = "vpp"

const (
	handshakeTimeout = 5 * time.Second
	firstDynamicID   = message.SockclntCreateMsgID + 1
)

var errNoHandler = errors.New("no handler for message")

type clientIndexKey struct{}

// ClientIndexFrom returns the index of the client that sent the request being handled.
func ClientIndexFrom(ctx context.Context) uint32 {
	ci, _ := ctx.Value(clientIndexKey{}).(uint32)
	return ci
}

// Server is the simulator. The zero value is not usable; use NewServer.
type Server struct {
	services    map[string]*service     // Registered receivers: "memclnt" → *service
	methods     map[string]*service     // Request message ID → owning service
	table       *transport.MessageTable // Ids handed to clients, built at Serve
	codec       codec.Codec             // Wire codec
	logger      zerolog.Logger
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	wg          sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown    atomic.Bool             // Set during shutdown to suppress Accept errors
	nextClient  atomic.Uint32           // Last client index handed out
	pid         uint32                  // Reported as vpe_pid
	retval      atomic.Int32            // Injected control_ping return value
	drop        atomic.Bool             // Swallow request replies instead of answering
	refuse      int32                   // Non-zero: refuse every handshake with this response

	mu            sync.Mutex
	listener      net.Listener
	conns         map[net.Conn]struct{}
	ready         chan struct{}
	discovery     discovery.Discovery // Nil if not using discovery
	advertiseAddr string              // Address registered in discovery
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "vpp-sim").Logger() }
}

// WithPID sets the vpe_pid reported in control_ping replies.
func WithPID(pid uint32) Option { return func(s *Server) { s.pid = pid } }

// WithRetval makes control_ping replies carry retval.
func WithRetval(retval int32) Option { return func(s *Server) { s.retval.Store(retval) } }

// WithDrop makes the simulator read requests but never answer them.
func WithDrop(drop bool) Option { return func(s *Server) { s.drop.Store(drop) } }

// WithRefuse makes the simulator refuse every client with the given response.
func WithRefuse(response int32) Option { return func(s *Server) { s.refuse = response } }

// NewServer creates a simulator with the memclnt service registered.
func NewServer(opts ...Option) *Server {
	s := &Server{
		services: make(map[string]*service),
		methods:  make(map[string]*service),
		codec:    &codec.BinaryCodec{},
		logger:   zerolog.Nop(),
		pid:      uint32(os.Getpid()),
		conns:    make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Register(&memclnt{svr: s}); err != nil {
		panic(err)
	}
	return s
}

// Register registers a handler receiver. Its exported methods of the form
// func(ctx, *Req) (*Reply, error) answer the corresponding requests.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	for id := range svc.method {
		if prev, ok := svr.methods[id]; ok {
			return errors.Errorf("server: %s already handled by %s", id, prev.name)
		}
	}
	svr.services[svc.name] = svc
	for id := range svc.method {
		svr.methods[id] = svc
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// SetRetval changes the injected control_ping return value at runtime.
func (svr *Server) SetRetval(retval int32) { svr.retval.Store(retval) }

// SetDrop switches reply dropping at runtime.
func (svr *Server) SetDrop(drop bool) { svr.drop.Store(drop) }

// Ready is closed once the server is listening.
func (svr *Server) Ready() <-chan struct{} { return svr.ready }

// Addr returns the listening address, nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Clients returns the number of connected clients.
func (svr *Server) Clients() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.conns)
}

// Serve listens on the given address, optionally registers with discovery,
// and enters the Accept loop.
//
// Parameters:
//   - advertiseAddr: the address to register in discovery. For tcp it differs from
//     the listen address because ":5002" resolves to "[::]:5002" locally.
//   - disc: the discovery implementation. Pass nil to skip registration.
func (svr *Server) Serve(network, address string, advertiseAddr string, disc discovery.Discovery) error {
	if network == "unix" {
		// A socket file left by a crashed run would make Listen fail
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	if disc != nil {
		if advertiseAddr == "" {
			advertiseAddr = listener.Addr().String()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := disc.Register(ctx, ServiceName, discovery.Endpoint{
			Name:    "vpp-sim-" + advertiseAddr,
			Network: network,
			Addr:    advertiseAddr,
			Weight:  1,
		}, 10) // TTL = 10 seconds, KeepAlive renews automatically
		cancel()
		if err != nil {
			listener.Close()
			return err
		}
		svr.mu.Lock()
		svr.discovery = disc
		svr.advertiseAddr = advertiseAddr
		svr.mu.Unlock()
	}
	return svr.ServeListener(listener)
}

// ServeListener runs the Accept loop on an existing listener.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.mu.Lock()
	if svr.listener != nil {
		svr.mu.Unlock()
		return errors.New("server: already serving")
	}
	svr.listener = listener

	// Build the message table and middleware chain once at startup (not per request)
	svr.table = svr.buildTable()
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	close(svr.ready)
	svr.mu.Unlock()

	svr.logger.Info().Str("addr", listener.Addr().String()).Int("messages", svr.table.Len()).Msg("simulator listening")

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.track(conn, true)
		go svr.handleConn(conn)
	}
}

// buildTable assigns an id to every message in the catalogue.
func (svr *Server) buildTable() *transport.MessageTable {
	create := message.ID(&message.SockclntCreate{})
	var entries []message.MessageTableEntry
	next := firstDynamicID
	for _, id := range message.Registered() {
		if id == create {
			continue
		}
		entries = append(entries, message.MessageTableEntry{Index: next, Name: id})
		next++
	}
	return transport.NewMessageTable(entries)
}

func (svr *Server) track(conn net.Conn, add bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn processes a single client connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame boundaries),
// but dispatches each request to its own goroutine for parallel processing.
//
// A per-connection write mutex (writeMu) is shared among all request goroutines on this connection.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.track(conn, false)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}

	clientIndex, err := svr.accept(conn)
	if err != nil {
		svr.logger.Warn().Err(err).Msg("handshake failed")
		return
	}
	log := svr.logger.With().Uint32("client_index", clientIndex).Logger()
	deleteID := message.ID(&message.SockclntDelete{})

	for {
		_, body, err := protocol.Decode(conn)
		if err != nil {
			log.Debug().Err(err).Msg("client gone")
			return
		}

		id, _ := protocol.PeekMsgID(body)
		name, ok := svr.table.Name(id)
		if !ok {
			log.Warn().Uint16("msg_id", id).Msg("unknown message id")
			continue
		}

		if name == deleteID {
			svr.disconnect(conn, writeMu, body, clientIndex)
			log.Info().Msg("client disconnected")
			return
		}

		// Dispatch to a new goroutine so a slow handler does not block the connection
		svr.wg.Add(1)
		go svr.handleRequest(clientIndex, name, body, conn, writeMu)
	}
}

// accept performs the server side of the handshake and returns the new client index.
func (svr *Server) accept(conn net.Conn) (uint32, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, body, err := protocol.Decode(conn)
	if err != nil {
		return 0, err
	}
	if id, _ := protocol.PeekMsgID(body); id != message.SockclntCreateMsgID {
		return 0, errors.Errorf("expected sockclnt_create, got message id %d", id)
	}
	req := &message.SockclntCreate{}
	env := &message.Envelope{Message: req}
	if err := svr.codec.Decode(body, env); err != nil {
		return 0, err
	}

	reply := &message.SockclntCreateReply{Response: svr.refuse}
	if svr.refuse == 0 {
		reply.Index = svr.nextClient.Add(1)
		reply.MessageTable = svr.table.Entries()
		reply.Count = uint16(len(reply.MessageTable))
	}
	if err := svr.write(conn, nil, reply, reply.Index, env.Context); err != nil {
		return 0, err
	}
	if svr.refuse != 0 {
		return 0, errors.Errorf("refused client %q", req.Name)
	}

	svr.logger.Info().Str("client", req.Name).Uint32("client_index", reply.Index).Msg("client connected")
	return reply.Index, nil
}

func (svr *Server) disconnect(conn net.Conn, writeMu *sync.Mutex, body []byte, clientIndex uint32) {
	env := &message.Envelope{Message: &message.SockclntDelete{}}
	if err := svr.codec.Decode(body, env); err != nil {
		svr.logger.Warn().Err(err).Msg("malformed sockclnt_delete")
		return
	}
	if err := svr.write(conn, writeMu, &message.SockclntDeleteReply{}, clientIndex, env.Context); err != nil {
		svr.logger.Debug().Err(err).Msg("writing sockclnt_delete_reply")
	}
}

// handleRequest processes a single request: decode → middleware → handler → encode → write.
func (svr *Server) handleRequest(clientIndex uint32, name string, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	req, err := message.New(name)
	if err != nil {
		svr.logger.Debug().Str("msg", name).Msg("message not modelled")
		return
	}
	env := &message.Envelope{Message: req}
	if err := svr.codec.Decode(body, env); err != nil {
		svr.logger.Warn().Err(err).Str("msg", name).Msg("malformed request")
		return
	}
	svc, ok := svr.methods[name]
	if !ok {
		svr.logger.Debug().Str("msg", name).Msg("no handler")
		return
	}

	ctx := context.WithValue(context.Background(), clientIndexKey{}, env.ClientIndex)
	reply, err := svr.handler(ctx, req)
	if reply == nil {
		// Middleware or handler failed without a reply; answer with its error code
		reply = svc.method[name].errorReply(errnoOf(err))
	}

	if svr.drop.Load() {
		svr.logger.Debug().Str("msg", name).Uint32("context", env.Context).Msg("dropping reply")
		return
	}
	if err := svr.write(conn, writeMu, reply, clientIndex, env.Context); err != nil {
		svr.logger.Debug().Err(err).Msg("writing reply")
	}
}

// write encodes a message with the id from the table and writes it as one frame.
// writeMu may be nil when no other goroutine writes to conn yet.
func (svr *Server) write(conn net.Conn, writeMu *sync.Mutex, msg message.Message, clientIndex, ctxID uint32) error {
	id, ok := svr.table.ID(message.ID(msg))
	if !ok {
		return errors.Errorf("%s missing from message table", message.ID(msg))
	}
	data, err := svr.codec.Encode(&message.Envelope{
		MsgID:       id,
		ClientIndex: clientIndex,
		Context:     ctxID, // Same context as the request, this is how the client matches replies
		Message:     msg,
	})
	if err != nil {
		return err
	}
	if writeMu != nil {
		writeMu.Lock()
		defer writeMu.Unlock()
	}
	return protocol.Encode(conn, &protocol.Header{}, data)
}

func errnoOf(err error) int32 {
	var errno Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return int32(ErrUnspecified)
}

// businessHandler dispatches a request to its registered handler.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
func (svr *Server) businessHandler(ctx context.Context, req message.Message) (message.Message, error) {
	id := message.ID(req)
	svc, ok := svr.methods[id]
	if !ok {
		return nil, errors.Wrapf(errNoHandler, "%s", id)
	}
	reply, err := svc.Call(ctx, svc.method[id], req)
	if reply == nil && err != nil {
		return svc.method[id].errorReply(errnoOf(err)), err
	}
	return reply, err
}

// Shutdown performs graceful shutdown:
//  1. Deregister from discovery (probes stop picking this simulator)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close remaining client connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	disc, addr, listener := svr.discovery, svr.advertiseAddr, svr.listener
	svr.mu.Unlock()

	if disc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := disc.Deregister(ctx, ServiceName, addr); err != nil {
			svr.logger.Warn().Err(err).Msg("deregistering simulator")
		}
		cancel()
	}

	// Set the flag BEFORE closing the listener, otherwise Serve may see the
	// Accept error first and report it as a failure
	svr.shutdown.Store(true)
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return err
}
