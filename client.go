// Package client is the top-level entry point: it wires a decoded Config
// through a logging backend into a Session and an RPC facade. The
// interactive CLI shell that would sit on top of this is out of scope; New
// is the library seam a caller builds one on.
package client

import (
	"os"
	"time"

	"github.com/flightrpc/client/config"
	"github.com/flightrpc/client/rpc"
	"github.com/flightrpc/client/session"
	"github.com/flightrpc/client/wlog"
)

// New validates cfg, builds a logger at cfg.Logging.Level writing to stderr,
// dials the configured remote endpoint, and returns an RPC facade ready to
// issue requests.
func New(cfg *config.Config) (*rpc.Client, error) {
	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}

	backend, err := wlog.New(os.Stderr, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	log := backend.GetLogger("client")

	sess, err := session.Dial(cfg.Client.RemoteHost, cfg.Client.RemotePort, cfg.Client.MTU, backend.GetLogger("session"))
	if err != nil {
		return nil, err
	}

	deadline := time.Duration(cfg.Client.DeadlineSeconds) * time.Second
	return rpc.New(sess, cfg.Client.Retries, deadline, log), nil
}
