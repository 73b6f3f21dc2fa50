package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AppSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	// CORS origins allowed to call the gateway from a browser.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// NVRSettings describes how to reach the recorder over ISAPI and RTSP.
type NVRSettings struct {
	Host     string        `yaml:"host"`
	Scheme   string        `yaml:"scheme"`
	HTTPPort int           `yaml:"http_port"`
	RTSPPort int           `yaml:"rtsp_port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	// TimeOffset is added to every incoming timestamp before it is sent to the
	// device, which expects its local wall clock labelled as UTC.
	TimeOffset        time.Duration `yaml:"time_offset"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	InsecureTLS       bool          `yaml:"insecure_tls"`
}

type StorageSettings struct {
	DBPath string `yaml:"db_path"`
}

type EncoderSettings struct {
	FFmpegPath   string        `yaml:"ffmpeg_path"`
	FFprobePath  string        `yaml:"ffprobe_path"`
	KillGrace    time.Duration `yaml:"kill_grace"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type ArchiveSettings struct {
	Dir          string        `yaml:"dir"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

type HLSSettings struct {
	Dir            string        `yaml:"dir"`
	SegmentSeconds int           `yaml:"segment_seconds"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

type SyncSettings struct {
	Interval time.Duration `yaml:"interval"`
}

type SearchSettings struct {
	MaxResults        int `yaml:"max_results"`
	PageSize          int `yaml:"page_size"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type LivenessSettings struct {
	Interval  time.Duration `yaml:"interval"`
	Threshold int           `yaml:"threshold"`
}

type AppConfig struct {
	App      AppSettings      `yaml:"app"`
	NVR      NVRSettings      `yaml:"nvr"`
	Storage  StorageSettings  `yaml:"storage"`
	Encoder  EncoderSettings  `yaml:"encoder"`
	Archive  ArchiveSettings  `yaml:"archive"`
	HLS      HLSSettings      `yaml:"hls"`
	Sync     SyncSettings     `yaml:"sync"`
	Search   SearchSettings   `yaml:"search"`
	Liveness LivenessSettings `yaml:"liveness"`
}

// LoadConfig reads the YAML config file (when it exists), overlays the
// environment (including a .env file in the working directory) and fills
// defaults for anything left unset.
//
// Defaults are applied first so an explicit zero in the file (for example
// time_offset: 0s) is kept.
func LoadConfig(appYaml string) (*AppConfig, error) {
	cfg := Default()

	if appYaml != "" {
		if err := loadYAML(appYaml, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", appYaml, err)
		}
	}

	_ = godotenv.Load()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that would make the gateway unusable.
func (c *AppConfig) Validate() error {
	if c.NVR.Scheme != "http" && c.NVR.Scheme != "https" {
		return fmt.Errorf("nvr.scheme must be http or https, got %q", c.NVR.Scheme)
	}
	if c.NVR.HTTPPort < 1 || c.NVR.HTTPPort > 65535 {
		return fmt.Errorf("nvr.http_port out of range: %d", c.NVR.HTTPPort)
	}
	if c.NVR.RTSPPort < 1 || c.NVR.RTSPPort > 65535 {
		return fmt.Errorf("nvr.rtsp_port out of range: %d", c.NVR.RTSPPort)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.HLS.IdleTimeout <= 0 {
		return fmt.Errorf("hls.idle_timeout must be positive, got %s", c.HLS.IdleTimeout)
	}
	if c.Liveness.Threshold < 0 || c.Liveness.Threshold > 64 {
		return fmt.Errorf("liveness.threshold must be between 0 and 64")
	}
	return nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *AppConfig) {
	if cfg.App.Host == "" {
		cfg.App.Host = "0.0.0.0"
	}
	if cfg.App.Port == 0 {
		cfg.App.Port = 8080
	}
	if cfg.App.DataDir == "" {
		cfg.App.DataDir = "data"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if len(cfg.App.AllowedOrigins) == 0 {
		cfg.App.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.NVR.Scheme == "" {
		cfg.NVR.Scheme = "http"
	}
	if cfg.NVR.HTTPPort == 0 {
		cfg.NVR.HTTPPort = 80
	}
	if cfg.NVR.RTSPPort == 0 {
		cfg.NVR.RTSPPort = 554
	}
	if cfg.NVR.Timeout == 0 {
		cfg.NVR.Timeout = 30 * time.Second
	}
	if cfg.NVR.TimeOffset == 0 {
		cfg.NVR.TimeOffset = 2 * time.Hour
	}
	if cfg.NVR.RequestsPerSecond == 0 {
		cfg.NVR.RequestsPerSecond = 5
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "data/camgate.db"
	}
	if cfg.Encoder.FFmpegPath == "" {
		cfg.Encoder.FFmpegPath = "ffmpeg"
	}
	if cfg.Encoder.FFprobePath == "" {
		cfg.Encoder.FFprobePath = "ffprobe"
	}
	if cfg.Encoder.KillGrace == 0 {
		cfg.Encoder.KillGrace = 5 * time.Second
	}
	if cfg.Encoder.ProbeTimeout == 0 {
		cfg.Encoder.ProbeTimeout = 20 * time.Second
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = "data/archive"
	}
	if cfg.Archive.ReadyTimeout == 0 {
		cfg.Archive.ReadyTimeout = 10 * time.Second
	}
	if cfg.HLS.Dir == "" {
		cfg.HLS.Dir = "data/hls"
	}
	if cfg.HLS.SegmentSeconds == 0 {
		cfg.HLS.SegmentSeconds = 4
	}
	if cfg.HLS.ReadyTimeout == 0 {
		cfg.HLS.ReadyTimeout = 30 * time.Second
	}
	if cfg.HLS.IdleTimeout == 0 {
		cfg.HLS.IdleTimeout = 2 * time.Minute
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 5 * time.Minute
	}
	if cfg.Search.MaxResults == 0 {
		cfg.Search.MaxResults = 500
	}
	if cfg.Search.PageSize == 0 {
		cfg.Search.PageSize = 50
	}
	if cfg.Search.RequestsPerMinute == 0 {
		cfg.Search.RequestsPerMinute = 30
	}
	if cfg.Liveness.Interval == 0 {
		cfg.Liveness.Interval = 2 * time.Second
	}
	if cfg.Liveness.Threshold == 0 {
		cfg.Liveness.Threshold = 2
	}
}

// applyEnv overlays the variable names used by existing NVR deployments.
func applyEnv(cfg *AppConfig) error {
	if v, ok := os.LookupEnv("RTSP_HOST"); ok {
		cfg.NVR.Host = v
	}
	if v, ok := os.LookupEnv("RTSP_USERNAME"); ok {
		cfg.NVR.Username = v
	}
	if v, ok := os.LookupEnv("RTSP_PASSWORD"); ok {
		cfg.NVR.Password = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.App.LogLevel = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"RTSP_PORT", &cfg.NVR.RTSPPort},
		{"NVR_HTTP_PORT", &cfg.NVR.HTTPPort},
		{"PORT", &cfg.App.Port},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", e.key, err)
		}
		*e.dst = n
	}
	if v, ok := os.LookupEnv("NVR_TIME_OFFSET"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing NVR_TIME_OFFSET: %w", err)
		}
		cfg.NVR.TimeOffset = d
	}
	return nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
