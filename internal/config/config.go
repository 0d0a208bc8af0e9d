package config

import "time"

// Config is the root configuration for taskhub.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Storage StorageConfig `json:"storage"`
	Events  EventsConfig  `json:"events"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
}

// StorageConfig holds task persistence settings.
type StorageConfig struct {
	Backend         string `json:"backend"` // "file" or "sqlite"
	Dir             string `json:"dir"`     // file backend record directory
	SQLitePath      string `json:"sqlite_path"`
	MaxTaskHistory  int    `json:"max_task_history"` // 0 = unbounded
	CleanupSchedule string `json:"cleanup_schedule"` // cron expression
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
