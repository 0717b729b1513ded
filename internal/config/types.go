package config

type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Logging LoggingConfig `json:"logging"`

	// Sessions controls the automation-session registry.
	Sessions SessionsConfig `json:"sessions"`

	// OTP controls the out-of-band passcode queue.
	OTP OTPConfig `json:"otp"`

	// Scheduler controls the recurring-transfer evaluation loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Tasks lists the recurring daily transfers to evaluate.
	Tasks []TaskConfig `json:"tasks,omitempty"`

	Storage StorageConfig `json:"storage"`
	Alerts  AlertsConfig  `json:"alerts,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
	// ReadTimeout / WriteTimeout are Go duration strings (e.g. "10s").
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// NotifyRatePerSec bounds POST /auth/notify-code; 0 means default (5/s).
	NotifyRatePerSec int `json:"notify_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SessionsConfig controls session lifetime policy.
//
// All durations are Go duration strings (e.g. "30m", "3h").
type SessionsConfig struct {
	// IdleTimeout closes sessions with no activity for this long (default "3h").
	IdleTimeout string `json:"idle_timeout,omitempty"`
	// SweepSpec is the idle-sweep cadence, cron spec or @every (default "@every 1h").
	SweepSpec string `json:"sweep_spec,omitempty"`
	// ShutdownTimeout bounds the wait for driver releases at shutdown (default "10s").
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// OTPConfig controls the pending-passcode store.
type OTPConfig struct {
	// Store selects "memory" (default) or "redis".
	Store string `json:"store,omitempty"`
	// TTL is how long a queued code stays deliverable (default "5m").
	TTL string `json:"ttl,omitempty"`
	// SweepSpec is the expiry-sweep cadence (default "@every 5m").
	SweepSpec string      `json:"sweep_spec,omitempty"`
	Redis     RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// SchedulerConfig controls recurring-task evaluation.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is the default IANA zone for tasks that don't set one.
	Timezone string `json:"timezone,omitempty"`
	// TickSpec is the evaluation cadence, cron spec or @every (default "@every 1m").
	TickSpec string `json:"tick_spec,omitempty"`
}

// TaskConfig is one recurring daily transfer.
//
// At is a local wall-clock time "HH:MM"; JitterMin/JitterMax are whole
// minutes added uniformly at random on top of At.
type TaskConfig struct {
	Username  string `json:"username"`
	At        string `json:"at"`
	Timezone  string `json:"timezone,omitempty"`
	JitterMin int    `json:"jitter_min"`
	JitterMax int    `json:"jitter_max"`
}

// StorageConfig controls the sqlite persistence layer
// (task execution dates + transfer audit log).
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// AlertsConfig controls operator alerts over Telegram.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
