// Package stream implements per-(sid,rid) fragment reassembly, a
// deadline-bounded blocking read, and a fragmenting write. Reliability is
// obtained one layer up, via whole-request retry, not per-frame
// acknowledgment, so this package carries no window or ack bookkeeping.
package stream

import (
	"sync"
	"time"

	avl "gitlab.com/yawning/avl.git"
	channels "gopkg.in/eapache/channels.v1"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/flightrpc/client/frame"
	"github.com/flightrpc/client/internal/worker"
	"github.com/flightrpc/client/rpcerr"
)

// pollInterval is how long Read sleeps between drain attempts when nothing
// is immediately actionable. InfiniteChannel's Len() is an approximate,
// non-blocking poll rather than a blocking receive, so a short sleep here
// avoids busy-spinning on it.
const pollInterval = time.Millisecond

// signal is a latching event that can be fired from one goroutine and
// observed from another, and reset to await the next firing. The stream
// uses three of these (done, closed, deadline expired); MonitorUpdates
// reuses one stream across many request/response bursts, so done must be
// re-armable rather than a true one-shot sync.Once/close pair.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
}

func (s *signal) fired() bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *signal) c() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// reset re-arms the signal for its next firing. Only safe once every
// waiter that saw the previous firing has already woken up, which holds
// here because Read only resets the done signal after consuming it.
func (s *signal) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan struct{})
}

// Sender is the narrow capability a Stream needs to emit a datagram. It is
// implemented by *session.Session. Modeling it as an interface, rather than
// holding a back-reference to the session type, avoids a stream<->session
// import cycle.
type Sender interface {
	WriteFrame(buf []byte) error
}

// Key identifies a stream within a session: a stream id scoping a
// conversation and a request id scoping one request/response within it.
type Key struct {
	SID frame.SID
	RID uint32
}

// Stream is single-producer (the session's receive loop, via PushBuffer,
// NotifyDone, NotifyClose) / single-consumer (the RPC caller, via Read,
// Write, Close).
type Stream struct {
	worker.Worker

	key         Key
	sender      Sender
	maxFragment int
	deadline    time.Duration
	log         *logging.Logger

	inbox *channels.InfiniteChannel // raw datagrams (header+payload), arrival order

	reasmMu sync.Mutex
	reasm   *avl.Tree // seqFrag ordered by seqid, touched only by the consumer goroutine

	closed      bool
	closedMu    sync.Mutex
	deadlineSet bool
	deadlineMu  sync.Mutex

	done          *signal
	peerDone      *signal // fired by NotifyClose (FIN received)
	deadlineFired *signal
}

type seqFrag struct {
	seqid   uint16
	payload []byte
}

func compareSeqFrag(a, b interface{}) int {
	fa, fb := a.(seqFrag), b.(seqFrag)
	switch {
	case fa.seqid < fb.seqid:
		return -1
	case fa.seqid > fb.seqid:
		return 1
	default:
		return 0
	}
}

// New constructs a Stream for key, sending outbound frames through sender.
// maxFragment bounds the payload size of each PSH frame. A zero deadline
// means Read blocks indefinitely for DNE, FIN, or Close.
func New(key Key, sender Sender, maxFragment int, deadline time.Duration, log *logging.Logger) *Stream {
	return &Stream{
		key:         key,
		sender:      sender,
		maxFragment: maxFragment,
		deadline:    deadline,
		log:         log,
		inbox:       channels.NewInfiniteChannel(),
		reasm:       avl.New(compareSeqFrag),
		done:          newSignal(),
		peerDone:      newSignal(),
		deadlineFired: newSignal(),
	}
}

// Key returns the (sid, rid) pair this stream is registered under.
func (s *Stream) Key() Key { return s.key }

// Write splits payload into fragments of at most maxFragment bytes, each
// carried by a PSH frame with a monotonically increasing seqid starting at
// 0, then emits one DNE with an empty body. It returns once the last
// datagram has been submitted to the sender; it does not wait for any
// acknowledgment.
func (s *Stream) Write(payload []byte) error {
	var seqid uint16
	for off := 0; off < len(payload); off += s.maxFragment {
		end := off + s.maxFragment
		if end > len(payload) {
			end = len(payload)
		}
		if err := s.emit(frame.PSH, seqid, payload[off:end]); err != nil {
			return err
		}
		seqid++
	}
	return s.emit(frame.DNE, 0, nil)
}

func (s *Stream) emit(flag frame.Flag, seqid uint16, payload []byte) error {
	buf := frame.Build(flag, s.key.SID, s.key.RID, seqid, payload)
	return s.sender.WriteFrame(buf)
}

// Read blocks until the stream observes a terminating signal (DNE or FIN)
// for the current burst or, if a deadline was configured, until that
// deadline fires. On success it returns the concatenation of every PSH
// payload received since the previous Read, sorted by seqid ascending,
// leaving the stream ready for the next burst — MonitorUpdates calls Read
// repeatedly on one stream until the server sends FIN. It fails with
// rpcerr.ErrTimeout if the deadline fires first, and returns an empty
// slice if the stream closes with no PSH queued.
func (s *Stream) Read() ([]byte, error) {
	s.armDeadline()

	for {
		s.drain()

		if s.deadlineFired.fired() {
			return nil, rpcerr.ErrTimeout
		}

		if s.inbox.Len() == 0 {
			if s.done.fired() {
				out := s.assembled()
				s.startNextBurst()
				return out, nil
			}
			if s.peerDone.fired() {
				return s.assembled(), nil
			}
		}

		select {
		case <-s.HaltCh():
			if s.inbox.Len() == 0 {
				return s.assembled(), nil
			}
		case <-time.After(pollInterval):
		}
	}
}

// drain moves every datagram currently queued in inbox into the seqid-
// ordered reassembly tree, without blocking.
func (s *Stream) drain() {
	for {
		select {
		case v, ok := <-s.inbox.Out():
			if !ok {
				return
			}
			buf, _ := v.([]byte)
			s.ingest(buf)
		default:
			return
		}
	}
}

func (s *Stream) ingest(buf []byte) {
	h, err := frame.ParseHeader(buf)
	if err != nil {
		s.debugf("dropping malformed buffered frame: %v", err)
		return
	}
	if h.Flag != frame.PSH {
		return
	}
	payload := make([]byte, len(h.Payload))
	copy(payload, h.Payload)

	s.reasmMu.Lock()
	s.reasm.Insert(seqFrag{seqid: h.SeqID, payload: payload})
	s.reasmMu.Unlock()
}

// assembled concatenates the buffered fragments in ascending seqid order.
// Two fragments sharing a seqid are tolerated; either may survive the
// insert.
func (s *Stream) assembled() []byte {
	s.reasmMu.Lock()
	defer s.reasmMu.Unlock()

	out := make([]byte, 0)
	iter := s.reasm.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		frag := node.Value.(seqFrag)
		out = append(out, frag.payload...)
	}
	return out
}

// startNextBurst clears the reassembly tree and re-arms the done signal so
// a subscription stream can keep reading successive pushed messages.
func (s *Stream) startNextBurst() {
	s.reasmMu.Lock()
	s.reasm = avl.New(compareSeqFrag)
	s.reasmMu.Unlock()
	s.done.reset()
}

// armDeadline starts the deadline timer on the first Read call: a
// background timer fires deadlineFired after s.deadline elapses from that
// first call, unless the stream finishes or halts first.
func (s *Stream) armDeadline() {
	if s.deadline <= 0 {
		return
	}
	s.deadlineMu.Lock()
	if s.deadlineSet {
		s.deadlineMu.Unlock()
		return
	}
	s.deadlineSet = true
	s.deadlineMu.Unlock()

	s.Go(func() {
		select {
		case <-time.After(s.deadline):
			s.deadlineFired.fire()
		case <-s.done.c():
		case <-s.peerDone.c():
		case <-s.HaltCh():
		}
	})
}

// PushBuffer enqueues one raw datagram (header+payload) received for this
// stream. Called from the session's receive loop; never blocks for long
// since the backing queue is unbounded.
func (s *Stream) PushBuffer(buf []byte) {
	s.inbox.In() <- buf
}

// NotifyDone signals that the peer has emitted DNE, ending the current
// response burst.
func (s *Stream) NotifyDone() {
	s.done.fire()
}

// NotifyClose signals that the peer has emitted FIN, tearing the stream
// down from the far side.
func (s *Stream) NotifyClose() {
	s.closedMu.Lock()
	s.closed = true
	s.closedMu.Unlock()
	s.peerDone.fire()
	s.Halt()
}

// Close emits a FIN, marks the stream closed, and releases any blocked
// reader with its accumulated payload. Safe to call more than once.
func (s *Stream) Close() error {
	s.closedMu.Lock()
	already := s.closed
	s.closed = true
	s.closedMu.Unlock()
	if already {
		return nil
	}

	err := s.emit(frame.FIN, 0, nil)
	s.peerDone.fire()
	s.Halt()
	return err
}

func (s *Stream) debugf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Debugf(format, args...)
	}
}
