package nats

import (
	"fmt"
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens a NATS connection and returns the function closing it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// Shared hands one NATS connection to several dispatchers. The connection is
// dialed by the first lease and closed when the last lease is returned; a
// later lease dials again.
type Shared struct {
	connect Connector

	mu      sync.Mutex
	nc      *natsgo.Conn
	closeNc closeFunc
	leases  int
}

// Share wraps connect so that its connection is leased instead of dialed per caller.
func Share(connect Connector) *Shared {
	return &Shared{connect: connect}
}

// Connect leases the shared connection. It satisfies Connector, and each
// returned close function releases its lease at most once.
func (s *Shared) Connect() (*natsgo.Conn, closeFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leases == 0 {
		nc, closeNc, err := s.connect()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		s.nc, s.closeNc = nc, closeNc
	}
	s.leases++

	var once sync.Once
	return s.nc, func() { once.Do(s.release) }, nil
}

// Leases reports how many leases are outstanding.
func (s *Shared) Leases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases
}

func (s *Shared) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leases--
	if s.leases > 0 {
		return
	}
	if s.closeNc != nil {
		s.closeNc()
	}
	s.nc, s.closeNc = nil, nil
}

// ConnectURL connects to natsURL.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		all := append([]natsgo.Option{natsgo.Name("puprelay"), natsgo.MaxReconnects(3)}, opts...)
		nc, err := natsgo.Connect(natsURL, all...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, or to the default local server.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
