package core

// recvWaiter is a parked receive-message operation: the scratch results to
// fill, the tag to complete, and the queue to complete it on.
type recvWaiter struct {
	res *BatchResults
	q   *Queue
	tag uint64
}

// halfStream is one direction of an RPC's data flow. Messages are buffered
// when no receiver is parked, and delivered directly otherwise. At most one
// receiver may be parked at a time (the call layer enforces one outstanding
// read per call).
//
// All methods require the owning rpc's lock.
type halfStream struct {
	waiter *recvWaiter
	buf    [][]byte
	closed bool
	failed bool
}

// send buffers or delivers one message. Reports false if the stream is
// already closed (the message is discarded).
func (h *halfStream) send(msg []byte) bool {
	if h.closed {
		return false
	}
	if w := h.waiter; w != nil {
		h.waiter = nil
		w.res.Msg = msg
		w.res.MsgPresent = true
		w.q.complete(w.tag, true)
		return true
	}
	h.buf = append(h.buf, msg)
	return true
}

// recv parks a receive operation, or satisfies it immediately from the
// buffer / close state. Delivery order: buffered messages first (FIFO),
// then end-of-stream (clean close) or failure.
func (h *halfStream) recv(w *recvWaiter) {
	if len(h.buf) > 0 {
		msg := h.buf[0]
		h.buf[0] = nil
		h.buf = h.buf[1:]
		if len(h.buf) == 0 {
			h.buf = nil
		}
		w.res.Msg = msg
		w.res.MsgPresent = true
		w.q.complete(w.tag, true)
		return
	}
	if h.closed {
		w.res.MsgPresent = false
		w.q.complete(w.tag, !h.failed)
		return
	}
	if h.waiter != nil {
		panic("core: concurrent receive on one stream direction")
	}
	h.waiter = w
}

// close ends the stream. A clean close lets buffered messages drain and
// parks end-of-stream for the reader; a failed close discards the buffer
// and fails any parked reader.
func (h *halfStream) close(failed bool) {
	if h.closed {
		return
	}
	h.closed = true
	h.failed = failed
	if failed {
		h.buf = nil
	}
	if w := h.waiter; w != nil {
		h.waiter = nil
		w.res.MsgPresent = false
		w.q.complete(w.tag, !failed)
	}
}
