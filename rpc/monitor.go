package rpc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/flightrpc/client/codec"
	"github.com/flightrpc/client/domain"
	"github.com/flightrpc/client/rpcerr"
)

// MonitorUpdates opens a subscription stream, without a per-read deadline,
// asking the server to push flight updates for duration. It returns a
// channel of pushed flights and a cancel function; the caller must call
// cancel exactly once to release the stream (and drain the channel once
// closed).
//
// The read loop runs on its own goroutine so a foreground cancellation
// source (a UI task calling cancel) can stop it by closing the stream,
// which unblocks the pending Read and ends the loop.
func (c *Client) MonitorUpdates(duration time.Duration) (<-chan domain.Flight, func(), error) {
	st, err := c.sess.Open(0)
	if err != nil {
		return nil, nil, &rpcerr.TransportError{Method: "MonitorUpdates", Err: err}
	}

	timestamp := strconv.FormatInt(time.Now().Add(duration).UnixMilli(), 10)
	reqBuf, err := codec.Encode(Message{
		RPC:   "MonitorUpdates",
		Query: map[string]string{"timestamp": timestamp},
	})
	if err != nil {
		c.sess.CloseStream(st)
		return nil, nil, fmt.Errorf("rpc: encode MonitorUpdates request: %w", err)
	}
	if err := st.Write(reqBuf); err != nil {
		c.sess.CloseStream(st)
		return nil, nil, &rpcerr.TransportError{Method: "MonitorUpdates", Err: err}
	}

	updates := make(chan domain.Flight)
	cancelled := make(chan struct{})

	go func() {
		defer close(updates)
		for {
			respBuf, err := st.Read()
			if err != nil {
				return // deadline never set; only Halt/Close end Read here
			}
			if len(respBuf) == 0 {
				return // FIN with nothing queued: subscription ended
			}

			decoded, err := codec.DecodeAs(respBuf, Message{})
			if err != nil {
				c.warnf("MonitorUpdates: decode push: %v", err)
				continue
			}
			msg := decoded.(Message)
			if msg.Error != nil {
				c.warnf("MonitorUpdates: server error: %s: %s", msg.Error.Code, msg.Error.Detail)
				continue
			}

			flight, err := codec.DecodeAs(msg.Body, domain.Flight{})
			if err != nil {
				c.warnf("MonitorUpdates: decode flight: %v", err)
				continue
			}

			select {
			case updates <- flight.(domain.Flight):
			case <-cancelled:
				return
			}
		}
	}()

	var closeOnce bool
	cancel := func() {
		if closeOnce {
			return
		}
		closeOnce = true
		close(cancelled)
		c.sess.CloseStream(st)
	}
	return updates, cancel, nil
}
