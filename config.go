package tidysync

import (
	"fmt"
	"time"

	"github.com/tidylist/tidysync/pkg/logger"
	"github.com/tidylist/tidysync/pkg/metrics"
	"github.com/tidylist/tidysync/pkg/mutation"
	"github.com/tidylist/tidysync/pkg/notifier"
	"github.com/tidylist/tidysync/pkg/reconcile"
)

const (
	DefaultSearchDebounce = 300 * time.Millisecond
	DefaultSearchLimit    = 10
)

// Config holds the client settings.
type Config struct {
	// AckTimeout bounds the wait for a channel acknowledgement before a
	// broadcast is sent anyway.
	AckTimeout time.Duration
	// WriteTimeout bounds each backend write.
	WriteTimeout time.Duration
	// RefetchTimeout bounds a refetch triggered by a broadcast.
	RefetchTimeout time.Duration

	// SearchDebounce is the quiet period before a profile search runs.
	SearchDebounce time.Duration
	SearchLimit    int

	// OnChannelLost, if set, is called when the transport drops a channel.
	// Views on that topic stop receiving changes and must be reopened.
	OnChannelLost func(topic string, err error)

	Logger  logger.Logger
	Metrics metrics.Recorder
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		AckTimeout:     notifier.DefaultAckTimeout,
		WriteTimeout:   mutation.DefaultWriteTimeout,
		RefetchTimeout: reconcile.DefaultRefetchTimeout,
		SearchDebounce: DefaultSearchDebounce,
		SearchLimit:    DefaultSearchLimit,
	}
}

// ConfigFromEnv returns the defaults overridden by TIDYSYNC_* variables.
func ConfigFromEnv() (*Config, error) {
	c := NewConfig()

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TIDYSYNC_ACK_TIMEOUT", &c.AckTimeout},
		{"TIDYSYNC_WRITE_TIMEOUT", &c.WriteTimeout},
		{"TIDYSYNC_REFETCH_TIMEOUT", &c.RefetchTimeout},
		{"TIDYSYNC_SEARCH_DEBOUNCE", &c.SearchDebounce},
	}
	for _, d := range durations {
		v, err := envDuration(d.key, *d.dst)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	limit, err := envInt("TIDYSYNC_SEARCH_LIMIT", c.SearchLimit)
	if err != nil {
		return nil, err
	}
	c.SearchLimit = limit

	return c, c.Validate()
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch {
	case c.AckTimeout <= 0:
		return fmt.Errorf("ack timeout must be positive")
	case c.WriteTimeout <= 0:
		return fmt.Errorf("write timeout must be positive")
	case c.RefetchTimeout <= 0:
		return fmt.Errorf("refetch timeout must be positive")
	case c.SearchDebounce < 0:
		return fmt.Errorf("search debounce must not be negative")
	case c.SearchLimit <= 0:
		return fmt.Errorf("search limit must be positive")
	}
	return nil
}
