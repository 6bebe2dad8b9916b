package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"device-streaming/internal/logging"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log     logging.Config `yaml:"log"`
	Network NetworkConfig  `yaml:"network"`
	Session SessionConfig  `yaml:"session"`
	MJPEG   MJPEGConfig    `yaml:"mjpeg"`
	RTSP    RTSPConfig     `yaml:"rtsp"`
	WebRTC  WebRTCConfig   `yaml:"webrtc"`
	Video   VideoConfig    `yaml:"video"`
	Control ControlConfig  `yaml:"control"`
}

type NetworkConfig struct {
	IPv4              bool     `yaml:"ipv4"`
	IPv6              bool     `yaml:"ipv6"`
	Localhost         bool     `yaml:"localhost"`
	LocalhostOnly     bool     `yaml:"localhost_only"`
	Interfaces        []string `yaml:"interfaces"`
	QuietWindowMs     int      `yaml:"quiet_window_ms"`
	AddressRetries    int      `yaml:"address_retries"`
	AddressRetryDelay int      `yaml:"address_retry_delay_ms"`
}

type SessionConfig struct {
	Transports         []string `yaml:"transports"` // mjpeg, rtsp, webrtc
	TrafficCapacity    int      `yaml:"traffic_capacity"`
	TrafficIntervalMs  int      `yaml:"traffic_interval_ms"`
	ClientQueue        int      `yaml:"client_queue"`
	WriteBudgetMs      int      `yaml:"write_budget_ms"`
	SlowRecoveryWrites int      `yaml:"slow_recovery_writes"`
}

type MJPEGConfig struct {
	Port           int    `yaml:"port"`
	Pin            string `yaml:"pin"`
	PinEnabled     bool   `yaml:"pin_enabled"`
	AutoPin        bool   `yaml:"auto_pin"`
	KeepAliveMs    int    `yaml:"keep_alive_ms"`
	ClientHoldMs   int    `yaml:"client_hold_ms"`
	MaxPinAttempts int    `yaml:"max_pin_attempts"`
	BlockMinutes   int    `yaml:"block_minutes"`
	JPEGQuality    int    `yaml:"jpeg_quality"`
	StartStop      bool   `yaml:"start_stop_endpoint"`
}

type RTSPConfig struct {
	Port             int    `yaml:"port"`
	Path             string `yaml:"path"`
	AllowUDP         bool   `yaml:"allow_udp"`
	MTU              int    `yaml:"mtu"`
	VideoQueue       int    `yaml:"video_queue"`
	AudioQueue       int    `yaml:"audio_queue"`
	SenderReportSecs int    `yaml:"sender_report_secs"`
}

type WebRTCConfig struct {
	Port                int      `yaml:"port"`
	ICEServerURLs       []string `yaml:"ice_server_urls"`
	ICEServerUsername   string   `yaml:"ice_server_username"`
	ICEServerCredential string   `yaml:"ice_server_credential"`
	DisableDefaultSTUN  bool     `yaml:"disable_default_stun"`
	ViewerQueue         int      `yaml:"viewer_queue"`
}

type VideoConfig struct {
	Source      string `yaml:"source"`       // pattern or ffmpeg
	Input       string `yaml:"input"`        // ffmpeg input URL or device
	InputFormat string `yaml:"input_format"` // ffmpeg -f for the input, e.g. lavfi or v4l2
	Format      string `yaml:"format"`       // mjpeg or h264
	Audio       string `yaml:"audio"`        // empty or tone
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
}

type ControlConfig struct {
	ListenAddress  string   `yaml:"listen_address"`
	TelemetryPath  string   `yaml:"telemetry_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads .env (optional), then the YAML file at path (optional when
// missing), then applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	// .env is optional, the process environment still applies
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if !c.Network.IPv4 && !c.Network.IPv6 && !c.Network.LocalhostOnly {
		c.Network.IPv4 = true
	}
	if c.Network.QuietWindowMs == 0 {
		c.Network.QuietWindowMs = 250
	}
	if c.Network.AddressRetries == 0 {
		c.Network.AddressRetries = 3
	}
	if c.Network.AddressRetryDelay == 0 {
		c.Network.AddressRetryDelay = 1000
	}

	if len(c.Session.Transports) == 0 {
		c.Session.Transports = []string{"mjpeg"}
	}
	if c.Session.TrafficCapacity == 0 {
		c.Session.TrafficCapacity = 30
	}
	if c.Session.TrafficIntervalMs == 0 {
		c.Session.TrafficIntervalMs = 1000
	}
	if c.Session.ClientQueue == 0 {
		c.Session.ClientQueue = 5
	}
	if c.Session.WriteBudgetMs == 0 {
		c.Session.WriteBudgetMs = 1000
	}
	if c.Session.SlowRecoveryWrites == 0 {
		c.Session.SlowRecoveryWrites = 30
	}

	if c.MJPEG.Port == 0 {
		c.MJPEG.Port = 8080
	}
	if c.MJPEG.KeepAliveMs == 0 {
		c.MJPEG.KeepAliveMs = 1000
	}
	if c.MJPEG.ClientHoldMs == 0 {
		c.MJPEG.ClientHoldMs = 5000
	}
	if c.MJPEG.MaxPinAttempts == 0 {
		c.MJPEG.MaxPinAttempts = 5
	}
	if c.MJPEG.BlockMinutes == 0 {
		c.MJPEG.BlockMinutes = 5
	}
	if c.MJPEG.JPEGQuality == 0 {
		c.MJPEG.JPEGQuality = 80
	}

	if c.RTSP.Port == 0 {
		c.RTSP.Port = 8554
	}
	if c.RTSP.Path == "" {
		c.RTSP.Path = "/screen"
	}
	if c.RTSP.MTU == 0 {
		c.RTSP.MTU = 1400
	}
	if c.RTSP.VideoQueue == 0 {
		c.RTSP.VideoQueue = 32
	}
	if c.RTSP.AudioQueue == 0 {
		c.RTSP.AudioQueue = 64
	}
	if c.RTSP.SenderReportSecs == 0 {
		c.RTSP.SenderReportSecs = 5
	}

	if c.WebRTC.Port == 0 {
		c.WebRTC.Port = 8081
	}
	if c.WebRTC.ViewerQueue == 0 {
		c.WebRTC.ViewerQueue = 32
	}
	if len(c.WebRTC.ICEServerURLs) == 0 {
		c.WebRTC.ICEServerURLs = []string{"stun:stun.l.google.com:19302"}
	}

	if c.Video.Source == "" {
		c.Video.Source = "pattern"
	}
	if c.Video.Format == "" {
		c.Video.Format = "mjpeg"
	}
	if c.Video.Width == 0 {
		c.Video.Width = 1280
	}
	if c.Video.Height == 0 {
		c.Video.Height = 720
	}
	if c.Video.FPS == 0 {
		c.Video.FPS = 30
	}

	if c.Control.ListenAddress == "" {
		c.Control.ListenAddress = ":9090"
	}
	if c.Control.TelemetryPath == "" {
		c.Control.TelemetryPath = "/metrics"
	}
	if len(c.Control.AllowedOrigins) == 0 {
		c.Control.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
}

// ApplyEnvOverrides lets environment variables win over file values.
func (c *Config) ApplyEnvOverrides() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	c.Network.IPv4 = getEnvAsBool("NETWORK_IPV4", c.Network.IPv4)
	c.Network.IPv6 = getEnvAsBool("NETWORK_IPV6", c.Network.IPv6)
	c.Network.Localhost = getEnvAsBool("NETWORK_LOCALHOST", c.Network.Localhost)
	c.Network.LocalhostOnly = getEnvAsBool("NETWORK_LOCALHOST_ONLY", c.Network.LocalhostOnly)
	if v := os.Getenv("NETWORK_INTERFACES"); v != "" {
		c.Network.Interfaces = parseStringSlice(v, ",")
	}

	if v := os.Getenv("SESSION_TRANSPORTS"); v != "" {
		c.Session.Transports = parseStringSlice(v, ",")
	}
	c.Session.SlowRecoveryWrites = getEnvAsInt("SESSION_SLOW_RECOVERY_WRITES", c.Session.SlowRecoveryWrites)

	c.MJPEG.Port = getEnvAsInt("MJPEG_PORT", c.MJPEG.Port)
	c.MJPEG.Pin = getEnv("MJPEG_PIN", c.MJPEG.Pin)
	c.MJPEG.PinEnabled = getEnvAsBool("MJPEG_PIN_ENABLED", c.MJPEG.PinEnabled)
	c.MJPEG.JPEGQuality = getEnvAsInt("MJPEG_JPEG_QUALITY", c.MJPEG.JPEGQuality)

	c.RTSP.Port = getEnvAsInt("RTSP_PORT", c.RTSP.Port)
	c.RTSP.Path = getEnv("RTSP_PATH", c.RTSP.Path)
	c.RTSP.AllowUDP = getEnvAsBool("RTSP_ALLOW_UDP", c.RTSP.AllowUDP)

	c.WebRTC.Port = getEnvAsInt("WEBRTC_PORT", c.WebRTC.Port)
	if v := os.Getenv("ICE_SERVER_URLS"); v != "" {
		c.WebRTC.ICEServerURLs = parseStringSlice(v, ",")
	}
	c.WebRTC.ICEServerUsername = getEnv("ICE_SERVER_USERNAME", c.WebRTC.ICEServerUsername)
	c.WebRTC.ICEServerCredential = getEnv("ICE_SERVER_CREDENTIAL", c.WebRTC.ICEServerCredential)

	c.Video.Source = getEnv("VIDEO_SOURCE", c.Video.Source)
	c.Video.Input = getEnv("VIDEO_INPUT", c.Video.Input)
	c.Video.InputFormat = getEnv("VIDEO_INPUT_FORMAT", c.Video.InputFormat)
	c.Video.Format = getEnv("VIDEO_FORMAT", c.Video.Format)
	c.Video.Audio = getEnv("VIDEO_AUDIO", c.Video.Audio)
	c.Video.Width = getEnvAsInt("VIDEO_WIDTH", c.Video.Width)
	c.Video.Height = getEnvAsInt("VIDEO_HEIGHT", c.Video.Height)
	c.Video.FPS = getEnvAsInt("VIDEO_FPS", c.Video.FPS)

	c.Control.ListenAddress = getEnv("CONTROL_LISTEN_ADDRESS", c.Control.ListenAddress)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Control.AllowedOrigins = parseStringSlice(v, ",")
	}
}

// Validate rejects configurations the engine cannot run.
func (c *Config) Validate() error {
	for _, t := range c.Session.Transports {
		switch t {
		case "mjpeg", "rtsp", "webrtc":
		default:
			return fmt.Errorf("unknown transport %q", t)
		}
	}
	if c.MJPEG.PinEnabled && !c.MJPEG.AutoPin && len(c.MJPEG.Pin) != 4 {
		return fmt.Errorf("mjpeg pin must be 4 digits")
	}
	switch c.Video.Format {
	case "mjpeg", "h264":
	default:
		return fmt.Errorf("unknown video format %q", c.Video.Format)
	}
	switch c.Video.Source {
	case "pattern":
		if c.Video.Format != "mjpeg" {
			return fmt.Errorf("the pattern source only produces mjpeg")
		}
	case "ffmpeg":
		if c.Video.Input == "" {
			return fmt.Errorf("video input is required for the ffmpeg source")
		}
	default:
		return fmt.Errorf("unknown video source %q", c.Video.Source)
	}
	switch c.Video.Audio {
	case "", "tone":
	default:
		return fmt.Errorf("unknown audio source %q", c.Video.Audio)
	}
	if len(c.CarriedBy()) == 0 {
		return fmt.Errorf("no enabled transport can carry %s video", c.Video.Format)
	}
	if !strings.HasPrefix(c.RTSP.Path, "/") {
		return fmt.Errorf("rtsp path must start with /")
	}
	return nil
}

// CarriedBy returns the enabled transports able to carry the configured
// video format.
func (c *Config) CarriedBy() []string {
	var out []string
	for _, t := range c.Session.Transports {
		switch {
		case t == "mjpeg" && c.Video.Format == "mjpeg",
			(t == "rtsp" || t == "webrtc") && c.Video.Format == "h264":
			out = append(out, t)
		}
	}
	return out
}

// HasTransport reports whether name is enabled.
func (c *Config) HasTransport(name string) bool {
	for _, t := range c.Session.Transports {
		if t == name {
			return true
		}
	}
	return false
}

func (c NetworkConfig) QuietWindow() time.Duration {
	return time.Duration(c.QuietWindowMs) * time.Millisecond
}

func (c NetworkConfig) RetryDelay() time.Duration {
	return time.Duration(c.AddressRetryDelay) * time.Millisecond
}

func (c SessionConfig) TrafficInterval() time.Duration {
	return time.Duration(c.TrafficIntervalMs) * time.Millisecond
}

func (c SessionConfig) WriteBudget() time.Duration {
	return time.Duration(c.WriteBudgetMs) * time.Millisecond
}

func (c MJPEGConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveMs) * time.Millisecond
}

func (c MJPEGConfig) ClientHold() time.Duration {
	return time.Duration(c.ClientHoldMs) * time.Millisecond
}

func (c MJPEGConfig) BlockDuration() time.Duration {
	return time.Duration(c.BlockMinutes) * time.Minute
}

func (c RTSPConfig) SenderReportInterval() time.Duration {
	return time.Duration(c.SenderReportSecs) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseStringSlice(value string, separator string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, separator)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
