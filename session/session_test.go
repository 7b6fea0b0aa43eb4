package session_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flightrpc/client/frame"
	"github.com/flightrpc/client/session"
)

// loopbackServer is a bare UDP echo-style stub standing in for the real
// flight-reservation server: it answers a PSH with the same payload
// followed by a DNE, addressed back to whichever (sid, rid) it received.
func loopbackServer(t *testing.T) (*net.UDPConn, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() {
		buf := make([]byte, 2048)
		for {
			conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			n, addr, err := conn.ReadFromUDP(buf)
			select {
			case <-stop:
				return
			default:
			}
			if err != nil {
				continue
			}
			h, err := frame.ParseHeader(buf[:n])
			if err != nil || h.Flag != frame.PSH {
				continue
			}
			reply := append([]byte{}, h.Payload...)
			conn.WriteToUDP(frame.Build(frame.PSH, h.SID, h.RID, 0, reply), addr)
			conn.WriteToUDP(frame.Build(frame.DNE, h.SID, h.RID, 0, nil), addr)
		}
	}()

	return conn, func() { close(stop); conn.Close() }
}

func TestSessionOpenWriteReadRoundTrip(t *testing.T) {
	srv, stop := loopbackServer(t)
	defer stop()

	_, portStr, err := net.SplitHostPort(srv.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	sess, err := session.Dial("127.0.0.1", port, 1500, nil)
	require.NoError(t, err)
	defer sess.Close()

	st, err := sess.Open(2 * time.Second)
	require.NoError(t, err)

	require.NoError(t, st.Write([]byte("ping")))
	got, err := st.Read()
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)

	require.NoError(t, sess.CloseStream(st))
}
