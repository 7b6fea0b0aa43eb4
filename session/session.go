// Package session owns the single UDP socket a client speaks to the
// flight-reservation server over: one background receive loop
// demultiplexing datagrams to a registry of streams keyed by (sid, rid).
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/flightrpc/client/frame"
	"github.com/flightrpc/client/internal/worker"
	"github.com/flightrpc/client/stream"
)

// readPollInterval bounds how long a single ReadFromUDP call blocks before
// the receive loop re-checks HaltCh, so Close returns promptly.
const readPollInterval = 200 * time.Millisecond

type streamKey struct {
	sid frame.SID
	rid uint32
}

// Session owns one UDP socket bound to an ephemeral local port and talking
// to a single fixed remote endpoint.
type Session struct {
	worker.Worker

	conn        *net.UDPConn
	remoteAddr  *net.UDPAddr
	mtu         int
	maxFragment int
	log         *logging.Logger

	sendMu sync.Mutex // serializes concurrent sends onto the shared socket

	mu      sync.Mutex
	nextRID uint32
	streams map[streamKey]*stream.Stream
}

// Dial resolves remoteHost:remotePort, binds an ephemeral local UDP socket,
// and starts the background receive loop.
func Dial(remoteHost string, remotePort int, mtu int, log *logging.Logger) (*Session, error) {
	remoteAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		return nil, fmt.Errorf("session: resolve %s:%d: %w", remoteHost, remotePort, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("session: bind local socket: %w", err)
	}

	s := &Session{
		conn:        conn,
		remoteAddr:  remoteAddr,
		mtu:         mtu,
		maxFragment: mtu - frame.HeaderLen,
		log:         log,
		streams:     make(map[streamKey]*stream.Stream),
	}
	s.Go(s.receiveLoop)
	return s, nil
}

// Open generates a random sid, allocates the next rid, sends an advisory
// SYN, registers the stream, and returns it.
func (s *Session) Open(deadline time.Duration) (*stream.Stream, error) {
	sid, err := newSID()
	if err != nil {
		return nil, fmt.Errorf("session: open: %w", err)
	}
	return s.openStream(sid, deadline)
}

// OpenWithExisting reuses the sid of an existing stream under a fresh rid,
// grouping a retry or follow-up under the same logical conversation. It
// never extends a prior deadline: deadline applies fresh to the new stream.
func (s *Session) OpenWithExisting(existing *stream.Stream, deadline time.Duration) (*stream.Stream, error) {
	return s.openStream(existing.Key().SID, deadline)
}

func (s *Session) openStream(sid frame.SID, deadline time.Duration) (*stream.Stream, error) {
	s.mu.Lock()
	rid := s.nextRID
	s.nextRID++
	key := streamKey{sid: sid, rid: rid}
	st := stream.New(stream.Key{SID: sid, RID: rid}, s, s.maxFragment, deadline, s.log)
	s.streams[key] = st
	s.mu.Unlock()

	if err := s.WriteFrame(frame.Build(frame.SYN, sid, rid, 0, nil)); err != nil {
		s.forget(key)
		return nil, fmt.Errorf("session: send SYN: %w", err)
	}
	return st, nil
}

// CloseStream closes st (emitting FIN) and removes it from the registry.
// Callers should use this instead of st.Close directly so the session
// forgets the mapping promptly rather than relying on a FIN echoed back
// from the peer.
func (s *Session) CloseStream(st *stream.Stream) error {
	err := st.Close()
	s.forget(streamKey{sid: st.Key().SID, rid: st.Key().RID})
	return err
}

// WriteFrame sends one datagram to the remote endpoint. The socket is
// shared across concurrently writing streams, so sends are serialized here.
func (s *Session) WriteFrame(buf []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err := s.conn.WriteToUDP(buf, s.remoteAddr)
	return err
}

// Close halts the receive loop, waits for it to exit, and closes the
// socket. Outstanding streams unblock via their own FIN/close signal;
// Close does not itself tear them down.
func (s *Session) Close() error {
	s.Halt()
	s.Wait()
	return s.conn.Close()
}

func (s *Session) receiveLoop() {
	buf := make([]byte, s.mtu)
	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			s.warnf("receive loop: set read deadline: %v", err)
			return
		}
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.HaltCh():
				return
			default:
			}
			s.warnf("receive loop: read: %v", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.dispatch(datagram)
	}
}

// dispatch parses one received datagram and routes it to its stream. Parse
// errors and frames addressed to an unknown (sid, rid) are logged and
// dropped rather than propagated, so one bad datagram never disturbs the
// registry.
func (s *Session) dispatch(datagram []byte) {
	h, err := frame.ParseHeader(datagram)
	if err != nil {
		s.debugf("dropping malformed datagram: %v", err)
		return
	}

	key := streamKey{sid: h.SID, rid: h.RID}
	s.mu.Lock()
	st, ok := s.streams[key]
	s.mu.Unlock()
	if !ok {
		s.debugf("dropping frame for unknown stream rid=%d", h.RID)
		return
	}

	switch h.Flag {
	case frame.PSH:
		if h.Length == 0 {
			return
		}
		st.PushBuffer(datagram)
	case frame.DNE:
		st.NotifyDone()
	case frame.FIN:
		st.NotifyClose()
		s.forget(key)
	default: // SYN, NOP: ignore
	}
}

func (s *Session) forget(key streamKey) {
	s.mu.Lock()
	delete(s.streams, key)
	s.mu.Unlock()
}

func (s *Session) warnf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Warningf(format, args...)
	}
}

func (s *Session) debugf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Debugf(format, args...)
	}
}

func newSID() (frame.SID, error) {
	var sid frame.SID
	id, err := uuid.NewV4()
	if err != nil {
		return sid, fmt.Errorf("generate sid: %w", err)
	}
	copy(sid[:], id.Bytes())
	return sid, nil
}
