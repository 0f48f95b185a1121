package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural tags plus the semantic rules the tags cannot
// express (duration strings, dispatcher sender wiring).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	if _, err := cfg.Database.BusyTimeoutDuration(); err != nil {
		return err
	}
	if _, err := cfg.Scheduler.CheckIntervalDuration(); err != nil {
		return err
	}
	if _, err := cfg.Scheduler.ShutdownTimeoutDuration(); err != nil {
		return err
	}

	if d := cfg.Dispatcher; d != nil && d.Enabled {
		if _, err := d.PollIntervalDuration(); err != nil {
			return err
		}
		if len(d.Senders) == 0 {
			return errors.New("dispatcher.senders: at least one channel is required when enabled")
		}
		for name, cmd := range d.Senders {
			if strings.TrimSpace(name) == "" {
				return errors.New("dispatcher.senders: channel name must not be empty")
			}
			if strings.TrimSpace(cmd) == "" {
				return fmt.Errorf("dispatcher.senders.%s: send command must not be empty", name)
			}
		}
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		cfg.Metrics.Addr = "127.0.0.1:9464"
	}
	return nil
}
