package config

import (
	"hash/fnv"
	"reflect"
	"strings"

	logx "homerbot/pkg/logx"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (redis password, telegram token)
// are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Int("http.notify_rate_per_sec", newCfg.HTTP.NotifyRatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Sessions != newCfg.Sessions {
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.String("sessions.idle_timeout", strings.TrimSpace(newCfg.Sessions.IdleTimeout)),
			logx.String("sessions.sweep_spec", strings.TrimSpace(newCfg.Sessions.SweepSpec)),
		)
	}

	// OTP (never log redis credentials)
	if oldCfg.OTP.Store != newCfg.OTP.Store ||
		oldCfg.OTP.TTL != newCfg.OTP.TTL ||
		oldCfg.OTP.SweepSpec != newCfg.OTP.SweepSpec ||
		oldCfg.OTP.Redis.Addr != newCfg.OTP.Redis.Addr ||
		oldCfg.OTP.Redis.DB != newCfg.OTP.Redis.DB {
		changed = append(changed, "otp")
		attrs = append(attrs,
			logx.String("otp.store", strings.TrimSpace(newCfg.OTP.Store)),
			logx.String("otp.ttl", strings.TrimSpace(newCfg.OTP.TTL)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler || !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.task_count", len(newCfg.Tasks)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}

	// Alerts (never log token)
	if oldCfg.Alerts.Enabled != newCfg.Alerts.Enabled ||
		oldCfg.Alerts.ChatID != newCfg.Alerts.ChatID ||
		oldCfg.Alerts.RatePerSec != newCfg.Alerts.RatePerSec {
		changed = append(changed, "alerts")
		attrs = append(attrs, logx.Bool("alerts.enabled", newCfg.Alerts.Enabled))
	}

	return changed, attrs
}
