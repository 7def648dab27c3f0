package notify

import (
	"context"
	"fmt"
	"log/syslog"
	"sync"
)

type SyslogChannel struct {
	network string
	address string
	tag     string

	mu     sync.Mutex
	writer *syslog.Writer
}

// NewSyslogChannel defaults to the local /dev/log socket. The connection is
// made on first use and retried on the next alert if it fails.
func NewSyslogChannel(network, address, tag string) *SyslogChannel {
	if network == "" {
		network = "unixgram"
	}
	if address == "" {
		address = "/dev/log"
	}
	if tag == "" {
		tag = "avsweep"
	}
	return &SyslogChannel{network: network, address: address, tag: tag}
}

func (s *SyslogChannel) Name() string { return "syslog" }

func (s *SyslogChannel) Send(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		w, err := syslog.Dial(s.network, s.address, syslog.LOG_USER|syslog.LOG_WARNING, s.tag)
		if err != nil {
			return fmt.Errorf("dial syslog %s %s: %w", s.network, s.address, err)
		}
		s.writer = w
	}
	return s.writer.Err(syslogMessage(alert))
}

func (s *SyslogChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

func syslogMessage(alert Alert) string {
	return fmt.Sprintf("infected file %s: %s (run %s, backend %s)", alert.Path, alert.Signature, alert.RunID, alert.Backend)
}
