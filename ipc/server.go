package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"folderd/broadcast"
	"folderd/fmdm"
)

// Handler serves one request operation. Implemented by the daemon.
type Handler interface {
	HandleRequest(ctx context.Context, op string, payload json.RawMessage) (any, error)
}

// Server accepts client connections on a Unix socket, registers each
// with the broadcaster for snapshot pushes, and routes requests to the
// handler. One writer goroutine per connection serializes pushes and
// responses onto the wire.
type Server struct {
	path        string
	handler     Handler
	broadcaster *broadcast.Broadcaster
	listener    net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func NewServer(ctx context.Context, path string, handler Handler, b *broadcast.Broadcaster) (*Server, error) {
	if handler == nil {
		return nil, errors.New("ipc server requires a handler")
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:        path,
		handler:     handler,
		broadcaster: b,
		listener:    listener,
		ctx:         serverCtx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections until the context is cancelled.
func (s *Server) Serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				log.Printf("ipc: accept failed: %v", err)
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.serveConn(c)
			}(conn)
		}
	}()
}

// Close stops accepting, closes every live connection so blocked readers
// unwind, waits for them and removes the socket.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		log.Printf("ipc: failed to remove socket %s: %v", s.path, err)
	}
}

// track registers a live connection; it refuses once Close has run so a
// conn accepted during shutdown cannot outlive the server.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	reader := bufio.NewReader(conn)
	dec := json.NewDecoder(reader)

	// The first frame must identify the client.
	var first Envelope
	if err := dec.Decode(&first); err != nil {
		return
	}
	if first.Type != TypeHello {
		log.Printf("ipc: connection opened with %q instead of hello, dropping", first.Type)
		return
	}
	var hello Hello
	if err := json.Unmarshal(first.Payload, &hello); err != nil || hello.ClientType == "" {
		hello.ClientType = "unknown"
	}

	var sub *broadcast.Subscription
	if s.broadcaster != nil {
		var err error
		sub, err = s.broadcaster.Register(hello.ClientType)
		if err != nil {
			return
		}
		defer s.broadcaster.Unregister(sub.ID)
	}

	// Responses funnel through the same writer as snapshot pushes so
	// frames never interleave.
	responses := make(chan Envelope, 16)
	writerDone := make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(writerDone)
		enc := json.NewEncoder(conn)
		for {
			var env Envelope
			select {
			case <-s.ctx.Done():
				return
			case env = <-responses:
			case snapshot, ok := <-snapshotChan(sub):
				if !ok {
					return
				}
				payload, err := json.Marshal(snapshot)
				if err != nil {
					log.Printf("ipc: failed to marshal snapshot: %v", err)
					continue
				}
				env = Envelope{Type: TypeFMDM, Payload: payload}
			}
			if err := enc.Encode(env); err != nil {
				return
			}
		}
	}()

	for {
		var req Envelope
		if err := dec.Decode(&req); err != nil {
			return
		}
		if req.Type != TypeRequest {
			log.Printf("ipc: unexpected frame type %q from %s client", req.Type, hello.ClientType)
			continue
		}

		resp := Envelope{Type: TypeResponse, ID: req.ID, Op: req.Op}
		result, err := s.handler.HandleRequest(s.ctx, req.Op, req.Payload)
		if err != nil {
			resp.Error = err.Error()
		} else if result != nil {
			payload, err := json.Marshal(result)
			if err != nil {
				resp.Error = fmt.Sprintf("failed to encode response: %v", err)
			} else {
				resp.Payload = payload
			}
		}

		select {
		case responses <- resp:
		case <-writerDone:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// snapshotChan tolerates a nil subscription (broadcaster not wired, as
// in handler-only tests).
func snapshotChan(sub *broadcast.Subscription) <-chan fmdm.FMDM {
	if sub == nil {
		return nil
	}
	return sub.Snapshots
}
