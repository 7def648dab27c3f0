// Package notify delivers alerts about infected files to external channels.
// Delivery is asynchronous and never influences the outcome of a scan.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ipsix/avsweep/internal/logging"
	"github.com/ipsix/avsweep/internal/scan"
)

type Alert struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host"`
	RunID     string    `json:"run_id"`
	Backend   string    `json:"backend"`
	Path      string    `json:"path"`
	Signature string    `json:"signature"`
}

// FromResult builds an alert for an infected result.
func FromResult(runID, backend string, res scan.Result) Alert {
	host, _ := os.Hostname()
	return Alert{
		Timestamp: time.Now().UTC(),
		Host:      host,
		RunID:     runID,
		Backend:   backend,
		Path:      res.Path,
		Signature: res.Signature,
	}
}

type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

type Options struct {
	// Throttle suppresses an alert whose fingerprint was delivered within the window.
	Throttle     time.Duration
	RetryMax     int
	RetryBackoff time.Duration
	QueueSize    int
}

type Notifier struct {
	logger   *logging.Logger
	channels []Channel
	opts     Options

	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time

	queue     chan Alert
	done      chan struct{}
	closed    bool
	startOnce sync.Once
}

func New(logger *logging.Logger, opts Options) *Notifier {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Throttle <= 0 {
		opts.Throttle = 5 * time.Minute
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Notifier{
		logger:   logger,
		opts:     opts,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
		queue:    make(chan Alert, opts.QueueSize),
		done:     make(chan struct{}),
	}
}

// Register adds a channel. It must be called before the first Notify.
func (n *Notifier) Register(channel Channel) {
	n.channels = append(n.channels, channel)
}

func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, ch := range n.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Notify queues an alert for delivery. A full queue, or a closed notifier,
// drops the alert.
func (n *Notifier) Notify(alert Alert) {
	n.startOnce.Do(func() { go n.loop() })
	if alert.ID == "" {
		alert.ID = fingerprint(alert)
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = n.now().UTC()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if n.isThrottled(alert.ID) {
		n.logger.Debug("alert throttled", logging.Field{Key: "alert_id", Value: alert.ID})
		return
	}
	select {
	case n.queue <- alert:
	default:
		n.logger.Warn("alert queue full, dropping alert",
			logging.Field{Key: "alert_id", Value: alert.ID},
			logging.Field{Key: "path", Value: alert.Path},
		)
	}
}

// Close delivers queued alerts, then closes channels that hold connections.
// Delivery still pending when ctx ends is abandoned.
func (n *Notifier) Close(ctx context.Context) error {
	n.startOnce.Do(func() { go n.loop() })
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	select {
	case <-n.done:
	case <-ctx.Done():
		return fmt.Errorf("drain alerts: %w", ctx.Err())
	}
	var firstErr error
	for _, ch := range n.channels {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s channel: %w", ch.Name(), err)
			}
		}
	}
	return firstErr
}

func (n *Notifier) loop() {
	defer close(n.done)
	for alert := range n.queue {
		n.deliver(alert)
	}
}

func (n *Notifier) deliver(alert Alert) {
	for _, ch := range n.channels {
		var err error
		for attempt := 0; attempt <= n.opts.RetryMax; attempt++ {
			if attempt > 0 && n.opts.RetryBackoff > 0 {
				time.Sleep(n.opts.RetryBackoff * time.Duration(attempt))
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = ch.Send(ctx, alert)
			cancel()
			if err == nil {
				break
			}
		}
		if err != nil {
			n.logger.Error("alert delivery failed",
				logging.Field{Key: "channel", Value: ch.Name()},
				logging.Field{Key: "alert_id", Value: alert.ID},
				logging.Err(err),
			)
		}
	}
}

// isThrottled must be called with mu held.
func (n *Notifier) isThrottled(id string) bool {
	now := n.now()
	last, ok := n.lastSeen[id]
	if ok && now.Sub(last) < n.opts.Throttle {
		return true
	}
	n.lastSeen[id] = now
	return false
}

func fingerprint(alert Alert) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", alert.Host, alert.Path, alert.Signature)
	return hex.EncodeToString(h.Sum(nil))
}
