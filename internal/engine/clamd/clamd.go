// Package clamd is an engine backend that delegates scanning to a running
// clamd daemon over its INSTREAM protocol.
package clamd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	goclamd "github.com/dutchcoders/go-clamd"

	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/logging"
)

const Name = "clamd"

const DefaultAddress = "tcp://127.0.0.1:3310"

// Client is the subset of the clamd protocol the backend uses.
type Client interface {
	Ping() error
	Reload() error
	Version() (chan *goclamd.ScanResult, error)
	ScanStream(r io.Reader, abort chan bool) (chan *goclamd.ScanResult, error)
}

type Capability struct {
	address string
	logger  *logging.Logger
	dial    func(address string) Client
}

func New(address string, logger *logging.Logger) *Capability {
	if address == "" {
		address = DefaultAddress
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Capability{
		address: address,
		logger:  logger,
		dial:    func(address string) Client { return goclamd.NewClamd(address) },
	}
}

// WithDialer replaces the daemon connection factory.
func (c *Capability) WithDialer(dial func(address string) Client) *Capability {
	c.dial = dial
	return c
}

func (c *Capability) Name() string { return Name }

func (c *Capability) CountPrecision() uint64 { return 1 }

// New pings the daemon so an unreachable clamd fails initialization.
func (c *Capability) New() (engine.Instance, error) {
	client := c.dial(c.address)
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("ping clamd at %s: %w", c.address, err)
	}
	return &instance{client: client, address: c.address, logger: c.logger}, nil
}

type instance struct {
	client  Client
	address string
	logger  *logging.Logger
	version string
}

// Load asks the daemon to reload its database. The daemon does not expose a
// signature count, so zero is reported and the version is logged instead.
func (i *instance) Load(location string) (uint, error) {
	if err := i.client.Reload(); err != nil {
		return 0, fmt.Errorf("reload clamd database: %w", err)
	}
	ch, err := i.client.Version()
	if err != nil {
		return 0, fmt.Errorf("query clamd version: %w", err)
	}
	for res := range ch {
		if res != nil && i.version == "" {
			i.version = strings.TrimSpace(res.Raw)
		}
	}
	i.logger.Info("clamd database reloaded",
		logging.Field{Key: "address", Value: i.address},
		logging.Field{Key: "version", Value: i.version},
		logging.Field{Key: "location", Value: location},
	)
	return 0, nil
}

func (i *instance) Compile() error {
	return i.client.Ping()
}

func (i *instance) ScanStream(ctx context.Context, stream engine.Stream, _ engine.Options) (engine.Verdict, error) {
	counter := &countingReader{r: stream}
	// Closing abort also lets the client drop its connection once the
	// response has been read.
	abort := make(chan bool)
	var once sync.Once
	stop := func() { once.Do(func() { close(abort) }) }
	done := make(chan struct{})
	defer close(done)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	ch, err := i.client.ScanStream(counter, abort)
	if err != nil {
		return engine.Verdict{Processed: uint64(counter.n)}, fmt.Errorf("clamd instream: %w", err)
	}
	var verdict *engine.Verdict
	var scanErr error
	for res := range ch {
		if res == nil || verdict != nil || scanErr != nil {
			continue
		}
		switch res.Status {
		case goclamd.RES_OK:
			verdict = &engine.Verdict{Kind: engine.VerdictClean}
		case goclamd.RES_FOUND:
			verdict = &engine.Verdict{Kind: engine.VerdictInfected, Signature: res.Description}
		default:
			msg := res.Description
			if msg == "" {
				msg = res.Raw
			}
			scanErr = fmt.Errorf("clamd: %s", msg)
		}
	}
	processed := uint64(counter.n)
	if err := ctx.Err(); err != nil {
		return engine.Verdict{Processed: processed}, err
	}
	if scanErr != nil {
		return engine.Verdict{Processed: processed}, scanErr
	}
	if verdict == nil {
		return engine.Verdict{Processed: processed}, errors.New("clamd returned no result")
	}
	verdict.Processed = processed
	return *verdict, nil
}

func (i *instance) Release() error {
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
