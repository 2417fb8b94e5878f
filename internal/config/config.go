package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Upload strategies understood by the analyzer.
const (
	UploadDirect = "direct"
	UploadViaURL = "url"
)

// Config contains all runtime settings for the capture/analyze/chat coordinator.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	ServiceBaseURL string
	UploadPath     string
	PredictPath    string
	ChatPath       string
	UploadStrategy string
	// AudioURLBase prefixes relative file URLs returned by the upload endpoint.
	AudioURLBase string
	// HTTPTimeout bounds every upstream call. 0 leaves the transport default in place.
	HTTPTimeout time.Duration

	MaxRecordingDuration time.Duration
	Timeslice            time.Duration
	SampleRate           int
	EchoCancellation     bool
	NoiseSuppression     bool

	DefaultReply    string
	ChatPlaceholder string

	NATSURL     string
	NATSSubject string

	StubBindAddr string
}

// Load reads ORA_* environment variables, plus the YAML file named by ORA_CONFIG
// when set, and applies safe defaults.
func Load() (Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom resolves configuration through v, which may already carry bound
// command-line flags.
func LoadFrom(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("ORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		BindAddr:         trimSpace(v.GetString("bind_addr")),
		MetricsNamespace: trimSpace(v.GetString("metrics_namespace")),
		LogLevel:         strings.ToLower(trimSpace(v.GetString("log.level"))),
		LogFormat:        strings.ToLower(trimSpace(v.GetString("log.format"))),
		ServiceBaseURL:   strings.TrimRight(trimSpace(v.GetString("service.base_url")), "/"),
		UploadPath:       trimSpace(v.GetString("service.upload_path")),
		PredictPath:      trimSpace(v.GetString("service.predict_path")),
		ChatPath:         trimSpace(v.GetString("service.chat_path")),
		UploadStrategy:   strings.ToLower(trimSpace(v.GetString("service.upload_strategy"))),
		AudioURLBase:     strings.TrimRight(trimSpace(v.GetString("service.audio_url_base")), "/"),
		DefaultReply:     v.GetString("chat.default_reply"),
		ChatPlaceholder:  v.GetString("chat.placeholder"),
		NATSURL:          trimSpace(v.GetString("nats.url")),
		NATSSubject:      trimSpace(v.GetString("nats.subject")),
		StubBindAddr:     trimSpace(v.GetString("stub.bind_addr")),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFrom(v, "shutdown_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFrom(v, "session_inactivity_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = durationFrom(v, "service.http_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.MaxRecordingDuration, err = durationFrom(v, "capture.max_duration"); err != nil {
		return Config{}, err
	}
	if cfg.Timeslice, err = durationFrom(v, "capture.timeslice"); err != nil {
		return Config{}, err
	}
	if cfg.SampleRate, err = intFrom(v, "capture.sample_rate"); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFrom(v, "allow_any_origin"); err != nil {
		return Config{}, err
	}
	if cfg.EchoCancellation, err = boolFrom(v, "capture.echo_cancellation"); err != nil {
		return Config{}, err
	}
	if cfg.NoiseSuppression, err = boolFrom(v, "capture.noise_suppression"); err != nil {
		return Config{}, err
	}

	if cfg.PredictPath == "" {
		// The direct variant posts multipart audio to a separate route.
		cfg.PredictPath = "/predict"
		if cfg.UploadStrategy == UploadDirect {
			cfg.PredictPath = "/analyze-audio"
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("session_inactivity_timeout", "10m")
	v.SetDefault("metrics_namespace", "ora")
	v.SetDefault("allow_any_origin", "false")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("service.base_url", "http://localhost:8090")
	v.SetDefault("service.upload_path", "/upload")
	v.SetDefault("service.predict_path", "")
	v.SetDefault("service.chat_path", "/chat")
	v.SetDefault("service.upload_strategy", UploadDirect)
	v.SetDefault("service.audio_url_base", "")
	// No client-side timeout unless an operator opts in.
	v.SetDefault("service.http_timeout", "0s")

	v.SetDefault("capture.max_duration", "5s")
	v.SetDefault("capture.timeslice", "100ms")
	v.SetDefault("capture.sample_rate", "44100")
	v.SetDefault("capture.echo_cancellation", "true")
	v.SetDefault("capture.noise_suppression", "true")

	v.SetDefault("chat.default_reply", "I'm here for you.")
	v.SetDefault("chat.placeholder", "(no reply)")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "ora.transcript.updated")

	v.SetDefault("stub.bind_addr", ":8090")
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("ORA_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.UploadStrategy != UploadDirect && c.UploadStrategy != UploadViaURL {
		return fmt.Errorf("ORA_SERVICE_UPLOAD_STRATEGY: %q (expected direct|url)", c.UploadStrategy)
	}
	u, err := url.Parse(c.ServiceBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ORA_SERVICE_BASE_URL must be an absolute http(s) URL, got %q", c.ServiceBaseURL)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("ORA_SERVICE_HTTP_TIMEOUT must be >= 0")
	}
	if c.MaxRecordingDuration <= 0 {
		return fmt.Errorf("ORA_CAPTURE_MAX_DURATION must be positive")
	}
	if c.Timeslice <= 0 || c.Timeslice > c.MaxRecordingDuration {
		return fmt.Errorf("ORA_CAPTURE_TIMESLICE must be positive and not exceed the max duration")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("ORA_CAPTURE_SAMPLE_RATE must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("ORA_LOG_FORMAT: %q (expected text|json)", c.LogFormat)
	}
	return nil
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func envName(key string) string {
	return "ORA_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func durationFrom(v *viper.Viper, key string) (time.Duration, error) {
	raw := trimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", envName(key), err)
	}
	return d, nil
}

func intFrom(v *viper.Viper, key string) (int, error) {
	raw := trimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", envName(key), err)
	}
	return n, nil
}

func boolFrom(v *viper.Viper, key string) (bool, error) {
	raw := strings.ToLower(trimSpace(v.GetString(key)))
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", envName(key))
	}
}
