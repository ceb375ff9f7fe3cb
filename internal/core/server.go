package core

import (
	"sync"
	"time"

	"google.golang.org/grpc/codes"
)

// Peer is the peer string reported for in-process calls.
const Peer = "inproc"

// Incoming describes a call delivered to a parked request-call slot. Call
// is the server half, bound to the queue the slot was registered on.
type Incoming struct {
	Deadline time.Time
	Call     *Call
	Method   string
	Peer     string
}

// acceptWaiter is a parked request-call slot.
type acceptWaiter struct {
	res *Incoming
	q   *Queue
	tag uint64
}

// Server is the in-memory accept side of the rendezvous. Channels deliver
// new calls to it; parked request-call slots pick them up.
type Server struct {
	mu       sync.Mutex
	accepts  []*acceptWaiter
	backlog  []*Incoming
	hooked   map[*Queue]bool
	shutdown bool
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{hooked: make(map[*Queue]bool)}
}

// RequestCall parks one request-call slot on q. The tag completes with
// success=true and res filled when a call arrives, or with success=false
// when the server or queue shuts down.
func (s *Server) RequestCall(q *Queue, res *Incoming, tag uint64) error {
	if err := q.register(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		q.complete(tag, false)
		return nil
	}
	if len(s.backlog) > 0 {
		in := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		s.bindLocked(in, q)
		*res = *in
		s.mu.Unlock()
		q.complete(tag, true)
		return nil
	}
	w := &acceptWaiter{res: res, q: q, tag: tag}
	s.accepts = append(s.accepts, w)
	if !s.hooked[q] {
		s.hooked[q] = true
		s.mu.Unlock()
		q.OnShutdown(func() { s.failAccepts(q) })
		return nil
	}
	s.mu.Unlock()
	return nil
}

// bindLocked binds the server half of an incoming call to the accepting
// queue and arranges for queue shutdown to cancel it.
func (s *Server) bindLocked(in *Incoming, q *Queue) {
	in.Call.q = q
	q.OnShutdown(in.Call.Cancel)
}

// failAccepts completes every slot parked on q with success=false.
func (s *Server) failAccepts(q *Queue) {
	s.mu.Lock()
	var keep, failed []*acceptWaiter
	for _, w := range s.accepts {
		if w.q == q {
			failed = append(failed, w)
		} else {
			keep = append(keep, w)
		}
	}
	s.accepts = keep
	s.mu.Unlock()
	for _, w := range failed {
		w.q.complete(w.tag, false)
	}
}

// deliver hands a new call to a parked slot, or backlogs it. A shut-down
// server finishes the call immediately with Unavailable.
func (s *Server) deliver(in *Incoming) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		in.Call.rpc.mu.Lock()
		in.Call.setStatusLocked(codes.Unavailable, "server shut down", true)
		in.Call.rpc.mu.Unlock()
		return
	}
	if len(s.accepts) > 0 {
		w := s.accepts[0]
		s.accepts[0] = nil
		s.accepts = s.accepts[1:]
		s.bindLocked(in, w.q)
		*w.res = *in
		s.mu.Unlock()
		w.q.complete(w.tag, true)
		return
	}
	s.backlog = append(s.backlog, in)
	s.mu.Unlock()
}

// Shutdown marks the server as shutting down and fails all parked slots.
// The tag completes on q once the mark is in place; calls already handed
// to handlers continue until they finish on their own.
func (s *Server) Shutdown(q *Queue, tag uint64) error {
	if err := q.register(); err != nil {
		return err
	}
	s.mu.Lock()
	s.shutdown = true
	accepts := s.accepts
	s.accepts = nil
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()
	for _, w := range accepts {
		w.q.complete(w.tag, false)
	}
	for _, in := range backlog {
		in.Call.rpc.mu.Lock()
		in.Call.setStatusLocked(codes.Unavailable, "server shut down", true)
		in.Call.rpc.mu.Unlock()
	}
	q.complete(tag, true)
	return nil
}

// Channel creates calls against one server. The client half of every call
// is bound to the channel's queue.
type Channel struct {
	srv *Server
	q   *Queue
}

// NewChannel binds a channel to a server and a completion queue.
func NewChannel(srv *Server, q *Queue) *Channel {
	return &Channel{srv: srv, q: q}
}

// CreateCall starts a new call for the named method, returning the client
// half. The server half is delivered through the server's request-call
// slots. A zero deadline means none.
func (c *Channel) CreateCall(method string, deadline time.Time) *Call {
	r, client := newRPC(c.q)
	server := &Call{rpc: r, side: sideServer}
	c.srv.deliver(&Incoming{
		Call:     server,
		Method:   method,
		Deadline: deadline,
		Peer:     Peer,
	})
	return client
}
