package notify

import (
	"fmt"

	"github.com/ipsix/avsweep/internal/config"
	"github.com/ipsix/avsweep/internal/logging"
)

// Build returns a notifier with every enabled channel, or nil when
// notifications are disabled.
func Build(cfg config.NotifyConfig, logger *logging.Logger) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	channels, err := BuildChannels(cfg, logger)
	if err != nil {
		return nil, err
	}
	n := New(logger, Options{
		Throttle:     cfg.ThrottleDuration(),
		RetryMax:     cfg.RetryMax,
		RetryBackoff: cfg.RetryBackoffDuration(),
	})
	for _, ch := range channels {
		n.Register(ch)
	}
	return n, nil
}

func BuildChannels(cfg config.NotifyConfig, logger *logging.Logger) ([]Channel, error) {
	channels := []Channel{}
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "log":
			channels = append(channels, NewLogChannel(logger))
		case "webhook":
			if ch.URL == "" {
				return nil, fmt.Errorf("webhook url required")
			}
			channels = append(channels, NewWebhookChannel(ch.URL, ch.Token))
		case "syslog":
			channels = append(channels, NewSyslogChannel(ch.SyslogNetwork, ch.SyslogAddress, ch.SyslogTag))
		case "email":
			channels = append(channels, NewEmailChannel(EmailConfig{
				SMTPServer: ch.SMTPServer,
				SMTPUser:   ch.SMTPUser,
				SMTPPass:   ch.SMTPPass,
				From:       ch.From,
				To:         ch.To,
				Subject:    ch.Subject,
			}))
		case "nats":
			nc, err := DialNATS(ch.URL, ch.Subject)
			if err != nil {
				return nil, err
			}
			channels = append(channels, nc)
		default:
			return nil, fmt.Errorf("unknown notify channel type: %s", ch.Type)
		}
	}
	if len(channels) == 0 {
		channels = append(channels, NewLogChannel(logger))
	}
	return channels, nil
}
