package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// CodecConfig describes one entry of the router codec set.
type CodecConfig struct {
	Kind                 string                 `yaml:"kind"`
	MimeType             string                 `yaml:"mime_type"`
	PreferredPayloadType int                    `yaml:"preferred_payload_type"`
	ClockRate            int                    `yaml:"clock_rate"`
	Channels             int                    `yaml:"channels,omitempty"`
	Parameters           map[string]interface{} `yaml:"parameters,omitempty"`
}

// ListenInfoConfig is one address the media engine listens on for WebRTC
// transports.
type ListenInfoConfig struct {
	Protocol    string `yaml:"protocol"` // "udp" or "tcp"
	IP          string `yaml:"ip"`
	AnnouncedIP string `yaml:"announced_ip,omitempty"`
}

type Config struct {
	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	HTTP struct {
		Address      string        `yaml:"address"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"http"`

	Media struct {
		Codecs []CodecConfig `yaml:"codecs"`
	} `yaml:"media"`

	Worker struct {
		RtcMinPort int `yaml:"rtc_min_port"`
		RtcMaxPort int `yaml:"rtc_max_port"`
	} `yaml:"worker"`

	WebRTC struct {
		ListenInfos        []ListenInfoConfig `yaml:"listen_infos"`
		PreferUDP          bool               `yaml:"prefer_udp"`
		MaxIncomingBitrate int                `yaml:"max_incoming_bitrate"`
	} `yaml:"webrtc"`

	PlainTransport struct {
		ListenIP    string `yaml:"listen_ip"`
		AnnouncedIP string `yaml:"announced_ip,omitempty"`
		RtcpMux     bool   `yaml:"rtcp_mux"`
		Comedia     bool   `yaml:"comedia"`
	} `yaml:"plain_transport"`

	Recorder struct {
		Host       string `yaml:"host"`
		MinPort    int    `yaml:"min_port"`
		MaxPort    int    `yaml:"max_port"`
		OutputDir  string `yaml:"output_dir"`
		FFmpegPath string `yaml:"ffmpeg_path"`
	} `yaml:"recorder"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address must not be empty")
	}

	if len(c.Media.Codecs) == 0 {
		return fmt.Errorf("media.codecs must not be empty")
	}
	for i, codec := range c.Media.Codecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("media.codecs[%d].kind must be audio or video", i)
		}
		if codec.MimeType == "" {
			return fmt.Errorf("media.codecs[%d].mime_type must not be empty", i)
		}
		if codec.ClockRate <= 0 {
			return fmt.Errorf("media.codecs[%d].clock_rate must be > 0", i)
		}
	}

	if c.Worker.RtcMinPort <= 0 || c.Worker.RtcMaxPort <= 0 {
		return fmt.Errorf("worker.rtc_min_port and rtc_max_port must be > 0")
	}
	if c.Worker.RtcMinPort >= c.Worker.RtcMaxPort {
		return fmt.Errorf("worker.rtc_min_port must be < rtc_max_port")
	}

	if len(c.WebRTC.ListenInfos) == 0 {
		return fmt.Errorf("webrtc.listen_infos must not be empty")
	}
	for i, li := range c.WebRTC.ListenInfos {
		if li.Protocol != "udp" && li.Protocol != "tcp" {
			return fmt.Errorf("webrtc.listen_infos[%d].protocol must be udp or tcp", i)
		}
		if li.IP == "" {
			return fmt.Errorf("webrtc.listen_infos[%d].ip must not be empty", i)
		}
	}
	if c.WebRTC.MaxIncomingBitrate < 0 {
		return fmt.Errorf("webrtc.max_incoming_bitrate must be >= 0")
	}

	if c.PlainTransport.ListenIP == "" {
		return fmt.Errorf("plain_transport.listen_ip must not be empty")
	}

	if c.Recorder.Host == "" {
		return fmt.Errorf("recorder.host must not be empty")
	}
	if c.Recorder.MinPort <= 0 || c.Recorder.MaxPort <= 0 {
		return fmt.Errorf("recorder.min_port and max_port must be > 0")
	}
	if c.Recorder.MinPort >= c.Recorder.MaxPort {
		return fmt.Errorf("recorder.min_port must be < max_port")
	}
	if c.Recorder.FFmpegPath == "" {
		return fmt.Errorf("recorder.ffmpeg_path must not be empty")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name must not be empty when tracing.enabled=true")
		}
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is not an error: defaults are used.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults. The codec set
// matches what browser peers negotiate by default: Opus audio and VP8 video.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":5001"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.HTTP.Address = ":8080"
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second

	cfg.Media.Codecs = []CodecConfig{
		{
			Kind:                 "audio",
			MimeType:             "audio/opus",
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
		},
		{
			Kind:                 "video",
			MimeType:             "video/VP8",
			PreferredPayloadType: 96,
			ClockRate:            90000,
			Parameters: map[string]interface{}{
				"x-google-start-bitrate": 1000,
			},
		},
	}

	cfg.Worker.RtcMinPort = 10000
	cfg.Worker.RtcMaxPort = 19999

	cfg.WebRTC.ListenInfos = []ListenInfoConfig{
		{Protocol: "udp", IP: "0.0.0.0", AnnouncedIP: "127.0.0.1"},
		{Protocol: "tcp", IP: "0.0.0.0", AnnouncedIP: "127.0.0.1"},
	}
	cfg.WebRTC.PreferUDP = true
	cfg.WebRTC.MaxIncomingBitrate = 1500000

	cfg.PlainTransport.ListenIP = "0.0.0.0"
	cfg.PlainTransport.AnnouncedIP = "127.0.0.1"
	cfg.PlainTransport.RtcpMux = false
	cfg.PlainTransport.Comedia = false

	cfg.Recorder.Host = "127.0.0.1"
	cfg.Recorder.MinPort = 20000
	cfg.Recorder.MaxPort = 30000
	cfg.Recorder.OutputDir = "./recordings"
	cfg.Recorder.FFmpegPath = "ffmpeg"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "roomcast"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 100
	cfg.RateLimiting.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("ROOMCAST_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if addr := os.Getenv("ROOMCAST_HTTP_ADDRESS"); addr != "" {
		c.HTTP.Address = addr
	}
	if level := os.Getenv("ROOMCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if ip := os.Getenv("ROOMCAST_ANNOUNCED_IP"); ip != "" {
		for i := range c.WebRTC.ListenInfos {
			c.WebRTC.ListenInfos[i].AnnouncedIP = ip
		}
		c.PlainTransport.AnnouncedIP = ip
	}
	if path := os.Getenv("ROOMCAST_FFMPEG_PATH"); path != "" {
		c.Recorder.FFmpegPath = path
	}
}
