package rpc

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/flightrpc/client/codec"
	"github.com/flightrpc/client/domain"
	"github.com/flightrpc/client/rpcerr"
	"github.com/flightrpc/client/session"
	"github.com/flightrpc/client/stream"
)

// sender is the session capability the facade needs: opening streams and
// tearing them back down. *session.Session satisfies this.
type sender interface {
	Open(deadline time.Duration) (*stream.Stream, error)
	OpenWithExisting(existing *stream.Stream, deadline time.Duration) (*stream.Stream, error)
	CloseStream(st *stream.Stream) error
}

var _ sender = (*session.Session)(nil)

// Client is the RPC facade: request/response composition, retries, and the
// MonitorUpdates subscription.
type Client struct {
	sess     sender
	retries  int
	deadline time.Duration
	log      *logging.Logger

	mu           sync.Mutex
	reservations map[string]domain.ReserveFlight
}

// New builds a facade over sess. retries is the number of attempts per
// unary call (exactly retries attempts before giving up with a transport
// failure); deadline is the per-attempt
// read deadline.
func New(sess sender, retries int, deadline time.Duration, log *logging.Logger) *Client {
	return &Client{
		sess:         sess,
		retries:      retries,
		deadline:     deadline,
		log:          log,
		reservations: make(map[string]domain.ReserveFlight),
	}
}

// FindFlights returns every flight from source to destination.
func (c *Client) FindFlights(source, destination string) ([]domain.Flight, error) {
	if source == "" || destination == "" {
		return nil, rpcerr.ErrInvalidArgument
	}
	body, err := c.call("FindFlights", map[string]string{"source": source, "destination": destination}, []domain.Flight(nil))
	if err != nil {
		return nil, err
	}
	return body.([]domain.Flight), nil
}

// FindFlight returns a single flight by id.
func (c *Client) FindFlight(id string) (domain.Flight, error) {
	if id == "" {
		return domain.Flight{}, rpcerr.ErrInvalidArgument
	}
	body, err := c.call("FindFlight", map[string]string{"id": id}, domain.Flight{})
	if err != nil {
		return domain.Flight{}, err
	}
	return body.(domain.Flight), nil
}

// ReserveFlight books seats on flight id and remembers the reservation.
func (c *Client) ReserveFlight(id string, seats int32) (domain.ReserveFlight, error) {
	if id == "" || seats <= 0 {
		return domain.ReserveFlight{}, rpcerr.ErrInvalidArgument
	}
	body, err := c.call("ReserveFlight", map[string]string{
		"id":    id,
		"seats": strconv.Itoa(int(seats)),
	}, domain.ReserveFlight{})
	if err != nil {
		return domain.ReserveFlight{}, err
	}

	res := body.(domain.ReserveFlight)
	c.mu.Lock()
	c.reservations[res.ID] = res
	c.mu.Unlock()
	return res, nil
}

// CancelFlight cancels a reservation previously returned by ReserveFlight.
// An id absent from the known reservations fails locally before any I/O.
func (c *Client) CancelFlight(reservationID string) (domain.ReserveFlight, error) {
	c.mu.Lock()
	_, known := c.reservations[reservationID]
	c.mu.Unlock()
	if reservationID == "" || !known {
		return domain.ReserveFlight{}, rpcerr.ErrInvalidArgument
	}

	body, err := c.call("CancelFlight", map[string]string{"id": reservationID}, domain.ReserveFlight{})
	if err != nil {
		return domain.ReserveFlight{}, err
	}

	c.mu.Lock()
	delete(c.reservations, reservationID)
	c.mu.Unlock()
	return body.(domain.ReserveFlight), nil
}

// GetMeals returns every meal the server offers.
func (c *Client) GetMeals() ([]domain.Food, error) {
	body, err := c.call("GetMeals", map[string]string{}, []domain.Food(nil))
	if err != nil {
		return nil, err
	}
	return body.([]domain.Food), nil
}

// AddMeal attaches mealID to an existing reservation.
func (c *Client) AddMeal(reservationID, mealID string) (domain.ReserveFlight, error) {
	if reservationID == "" || mealID == "" {
		return domain.ReserveFlight{}, rpcerr.ErrInvalidArgument
	}
	body, err := c.call("AddMeals", map[string]string{
		"id":      reservationID,
		"meal_id": mealID,
	}, domain.ReserveFlight{})
	if err != nil {
		return domain.ReserveFlight{}, err
	}
	return body.(domain.ReserveFlight), nil
}

// call implements the unary attempt loop: build and marshal
// the request, then up to c.retries attempts of open/write/read/unmarshal,
// closing the failed stream before each retry.
func (c *Client) call(method string, query map[string]string, responsePrototype interface{}) (interface{}, error) {
	reqBuf, err := codec.Encode(Message{RPC: method, Query: query})
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s request: %w", method, err)
	}

	var st *stream.Stream
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		var openErr error
		if st == nil {
			st, openErr = c.sess.Open(c.deadline)
		} else {
			st, openErr = c.sess.OpenWithExisting(st, c.deadline)
		}
		if openErr != nil {
			return nil, &rpcerr.TransportError{Method: method, Err: openErr}
		}

		body, err := c.attempt(st, reqBuf, responsePrototype)
		if err == nil {
			c.sess.CloseStream(st)
			return body, nil
		}
		if se, ok := err.(*rpcerr.ServerError); ok {
			c.sess.CloseStream(st)
			return nil, se
		}

		lastErr = err
		c.sess.CloseStream(st)
		c.warnf("%s: attempt %d failed: %v", method, attempt, err)
	}

	return nil, &rpcerr.TransportError{Method: method, Err: lastErr}
}

// attempt runs one write/read/unmarshal round on an already-open stream.
func (c *Client) attempt(st *stream.Stream, reqBuf []byte, responsePrototype interface{}) (interface{}, error) {
	if err := st.Write(reqBuf); err != nil {
		return nil, err
	}
	respBuf, err := st.Read()
	if err != nil {
		return nil, err
	}

	decoded, err := codec.DecodeAs(respBuf, Message{})
	if err != nil {
		return nil, err
	}
	respMsg := decoded.(Message)

	if respMsg.Error != nil {
		return nil, &rpcerr.ServerError{Code: respMsg.Error.Code, Detail: respMsg.Error.Detail}
	}

	body, err := codec.DecodeAs(respMsg.Body, responsePrototype)
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return body, nil
}

func (c *Client) warnf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Warningf(format, args...)
	}
}
