package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address for the HTTP and WebSocket listener.
	DefaultAddr = ":43180"
	// DefaultGRPCAddr is the default address for the observer feed. Empty disables it.
	DefaultGRPCAddr = ""
	// GRPCAuthModeSharedSecret guards the feed with a static secret in metadata.
	GRPCAuthModeSharedSecret = "shared_secret"
	// GRPCAuthModeMTLS requires client certificates signed by the configured CA.
	GRPCAuthModeMTLS = "mtls"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultCommandBuffer bounds the per-session command channel.
	DefaultCommandBuffer = 32

	// DefaultDamage is the fixed HP removed by every hit.
	DefaultDamage = 20
	// DefaultMessageTTL is how long a transient combat message stays visible.
	DefaultMessageTTL = 2 * time.Second
	// DefaultEyeHeight places the virtual camera above the local ground plane in meters.
	DefaultEyeHeight = 1.6
	// DefaultFixMaxAccuracy rejects fixes whose reported accuracy radius exceeds it. Zero disables.
	DefaultFixMaxAccuracy = 0.0
	// DefaultFrameHz drives the cosmetic idle animation feed. Zero disables it.
	DefaultFrameHz = 10.0

	// DefaultOrientationInterval throttles orientation samples per session. Zero disables.
	DefaultOrientationInterval = 5 * time.Millisecond
	// DefaultTraceMaxSessions caps how many encounter traces stay on disk.
	DefaultTraceMaxSessions = 50
	// DefaultTraceMaxAge removes traces older than this.
	DefaultTraceMaxAge = 72 * time.Hour
	// DefaultSnapshotTTL keeps the final snapshot of a closed session queryable. Zero forgets it at once.
	DefaultSnapshotTTL = 5 * time.Minute

	// DefaultAuthWindow bounds how often anonymous sign-ins may be requested.
	DefaultAuthWindow = time.Minute
	// DefaultAuthBurst sets how many anonymous sign-ins may happen per window.
	DefaultAuthBurst = 30

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "arengine.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the encounter engine.
type Config struct {
	Address         string
	GRPCAddress     string
	GRPCSecret      string
	GRPCAuthMode    string
	GRPCTLS         TLSConfig
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	CommandBuffer   int
	FrameHz         float64
	OrientationGap  time.Duration
	SnapshotTTL     time.Duration
	Trace           TraceConfig
	JWTSecret       string
	AuthWindow      time.Duration
	AuthBurst       int
	AdminToken      string
	Combat          CombatConfig
	Logging         LoggingConfig
}

// TLSConfig locates the key material for mutual TLS on the feed.
type TLSConfig struct {
	CertPath     string
	KeyPath      string
	ClientCAPath string
}

// TraceConfig controls encounter trace recording. An empty Dir disables it.
type TraceConfig struct {
	Dir         string
	MaxSessions int
	MaxAge      time.Duration
}

// CombatConfig carries the tunables handed to every encounter session.
type CombatConfig struct {
	Damage         int
	MessageTTL     time.Duration
	EyeHeight      float64
	FixMaxAccuracy float64
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the configuration from ARHUNT_* environment variables, applying
// defaults and returning one descriptive error for every invalid override.
func Load() (*Config, error) {
	return LoadWith(os.Getenv)
}

// LoadWith behaves like Load but resolves variables through lookup.
func LoadWith(lookup func(string) string) (*Config, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(lookup(key)) }

	cfg := &Config{
		Address:         fallback(env("ARHUNT_ADDR"), DefaultAddr),
		GRPCAddress:     fallback(env("ARHUNT_GRPC_ADDR"), DefaultGRPCAddr),
		GRPCSecret:      env("ARHUNT_GRPC_SECRET"),
		GRPCAuthMode:    strings.ToLower(fallback(env("ARHUNT_GRPC_AUTH_MODE"), GRPCAuthModeSharedSecret)),
		GRPCTLS: TLSConfig{
			CertPath:     env("ARHUNT_GRPC_TLS_CERT"),
			KeyPath:      env("ARHUNT_GRPC_TLS_KEY"),
			ClientCAPath: env("ARHUNT_GRPC_CLIENT_CA"),
		},
		AllowedOrigins:  parseList(env("ARHUNT_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		CommandBuffer:   DefaultCommandBuffer,
		FrameHz:         DefaultFrameHz,
		OrientationGap:  DefaultOrientationInterval,
		SnapshotTTL:     DefaultSnapshotTTL,
		Trace: TraceConfig{
			Dir:         env("ARHUNT_TRACE_DIR"),
			MaxSessions: DefaultTraceMaxSessions,
			MaxAge:      DefaultTraceMaxAge,
		},
		JWTSecret:       env("ARHUNT_JWT_SECRET"),
		AuthWindow:      DefaultAuthWindow,
		AuthBurst:       DefaultAuthBurst,
		AdminToken:      env("ARHUNT_ADMIN_TOKEN"),
		Combat: CombatConfig{
			Damage:         DefaultDamage,
			MessageTTL:     DefaultMessageTTL,
			EyeHeight:      DefaultEyeHeight,
			FixMaxAccuracy: DefaultFixMaxAccuracy,
		},
		Logging: LoggingConfig{
			Level:      fallback(env("ARHUNT_LOG_LEVEL"), DefaultLogLevel),
			Path:       fallback(env("ARHUNT_LOG_PATH"), DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := env("ARHUNT_MAX_PAYLOAD_BYTES"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := env("ARHUNT_PING_INTERVAL"); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := env("ARHUNT_COMMAND_BUFFER"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_COMMAND_BUFFER must be a positive integer, got %q", raw))
		} else {
			cfg.CommandBuffer = value
		}
	}

	if raw := env("ARHUNT_FRAME_HZ"); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_FRAME_HZ must be a non-negative number, got %q", raw))
		} else {
			cfg.FrameHz = value
		}
	}

	if raw := env("ARHUNT_ORIENTATION_INTERVAL"); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_ORIENTATION_INTERVAL must be a non-negative duration, got %q", raw))
		} else {
			cfg.OrientationGap = duration
		}
	}

	if raw := env("ARHUNT_SNAPSHOT_TTL"); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_SNAPSHOT_TTL must be a non-negative duration, got %q", raw))
		} else {
			cfg.SnapshotTTL = duration
		}
	}

	if raw := env("ARHUNT_TRACE_MAX_SESSIONS"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_TRACE_MAX_SESSIONS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Trace.MaxSessions = value
		}
	}

	if raw := env("ARHUNT_TRACE_MAX_AGE"); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_TRACE_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.Trace.MaxAge = duration
		}
	}

	if raw := env("ARHUNT_DAMAGE"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_DAMAGE must be a positive integer, got %q", raw))
		} else {
			cfg.Combat.Damage = value
		}
	}

	if raw := env("ARHUNT_MESSAGE_TTL"); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_MESSAGE_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.Combat.MessageTTL = duration
		}
	}

	if raw := env("ARHUNT_EYE_HEIGHT"); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_EYE_HEIGHT must be a non-negative number, got %q", raw))
		} else {
			cfg.Combat.EyeHeight = value
		}
	}

	if raw := env("ARHUNT_FIX_MAX_ACCURACY"); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_FIX_MAX_ACCURACY must be a non-negative number, got %q", raw))
		} else {
			cfg.Combat.FixMaxAccuracy = value
		}
	}

	if raw := env("ARHUNT_AUTH_WINDOW"); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_AUTH_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.AuthWindow = duration
		}
	}

	if raw := env("ARHUNT_AUTH_BURST"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_AUTH_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.AuthBurst = value
		}
	}

	if raw := env("ARHUNT_LOG_MAX_SIZE_MB"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := env("ARHUNT_LOG_MAX_BACKUPS"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := env("ARHUNT_LOG_MAX_AGE_DAYS"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ARHUNT_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := env("ARHUNT_LOG_COMPRESS"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ARHUNT_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.GRPCAddress != "" {
		switch cfg.GRPCAuthMode {
		case GRPCAuthModeSharedSecret:
			if cfg.GRPCSecret == "" {
				problems = append(problems, "ARHUNT_GRPC_SECRET must be set when ARHUNT_GRPC_ADDR is enabled")
			}
		case GRPCAuthModeMTLS:
			if cfg.GRPCTLS.CertPath == "" || cfg.GRPCTLS.KeyPath == "" || cfg.GRPCTLS.ClientCAPath == "" {
				problems = append(problems, "ARHUNT_GRPC_TLS_CERT, ARHUNT_GRPC_TLS_KEY and ARHUNT_GRPC_CLIENT_CA are required for mtls")
			}
		default:
			problems = append(problems, fmt.Sprintf("ARHUNT_GRPC_AUTH_MODE must be %q or %q, got %q", GRPCAuthModeSharedSecret, GRPCAuthModeMTLS, cfg.GRPCAuthMode))
		}
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func fallback(value, def string) string {
	if value != "" {
		return value
	}
	return def
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
