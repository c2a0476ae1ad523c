// Package config holds all webwitness configuration. Settings load from an
// optional YAML file with environment overrides applied on top, so the
// service can run with no file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all webwitness configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Recording RecordingConfig `yaml:"recording"`
	Viewer    ViewerConfig    `yaml:"viewer"`
}

// ServerConfig configures the HTTP/WebSocket transport.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// PublicViewerOrigin is the origin the operator viewer is served from,
	// used to build the viewer URL returned by start.
	PublicViewerOrigin string `yaml:"public_viewer_origin"`
}

// StorageConfig configures the artifact store.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// SessionConfig configures session creation and lifecycle.
type SessionConfig struct {
	TTLMinutes           int    `yaml:"ttl_minutes"`
	NavigationTimeoutSec int    `yaml:"navigation_timeout_sec"`
	Headless             bool   `yaml:"headless"`
	ViewportWidth        int    `yaml:"viewport_width"`
	ViewportHeight       int    `yaml:"viewport_height"`
	UserAgent            string `yaml:"user_agent"`
	ClickDelayMs         int    `yaml:"click_delay_ms"`
}

// RecordingConfig configures the frame-stream-to-encoder pipeline.
type RecordingConfig struct {
	FPS            int    `yaml:"fps"`
	FFmpegPath     string `yaml:"ffmpeg_path"`
	StopTimeoutSec int    `yaml:"stop_timeout_sec"`
	// FrameQuality is the JPEG quality of screencast frames fed to the
	// encoder.
	FrameQuality int `yaml:"frame_quality"`
}

// ViewerConfig configures the pull-based live view.
type ViewerConfig struct {
	// JPEGQuality applies to on-demand still frames served to operators.
	JPEGQuality int `yaml:"jpeg_quality"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":3000",
		},
		Storage: StorageConfig{
			Root: "storage",
		},
		Session: SessionConfig{
			TTLMinutes:           30,
			NavigationTimeoutSec: 60,
			Headless:             true,
			ViewportWidth:        1366,
			ViewportHeight:       768,
			UserAgent:            "EvidenceBot/1.0 (+https://webwitness.example)",
			ClickDelayMs:         20,
		},
		Recording: RecordingConfig{
			FPS:            25,
			FFmpegPath:     "ffmpeg",
			StopTimeoutSec: 10,
			FrameQuality:   80,
		},
		Viewer: ViewerConfig{
			JPEGQuality: 60,
		},
	}
}

// Load reads the config file at path (if it exists), applies defaults for
// anything unset, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// applyEnvOverrides applies environment variable overrides. The variable
// names match the original deployment environment.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if origin := os.Getenv("PUBLIC_VIEWER_ORIGIN"); origin != "" {
		c.Server.PublicViewerOrigin = origin
	}
	if root := os.Getenv("WEBWITNESS_STORAGE"); root != "" {
		c.Storage.Root = root
	}
	if mins := os.Getenv("MAX_SESSION_MINUTES"); mins != "" {
		if n, err := strconv.Atoi(mins); err == nil && n > 0 {
			c.Session.TTLMinutes = n
		}
	}
	if fps := os.Getenv("RECORDING_FPS"); fps != "" {
		if n, err := strconv.Atoi(fps); err == nil && n > 0 {
			c.Recording.FPS = n
		}
	}
	if bin := os.Getenv("FFMPEG_PATH"); bin != "" {
		c.Recording.FFmpegPath = bin
	}
}

func (c *Config) validate() error {
	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive, got %d", c.Session.TTLMinutes)
	}
	if c.Recording.FPS <= 0 {
		return fmt.Errorf("recording.fps must be positive, got %d", c.Recording.FPS)
	}
	if c.Session.ViewportWidth <= 0 || c.Session.ViewportHeight <= 0 {
		return fmt.Errorf("session viewport must be positive, got %dx%d",
			c.Session.ViewportWidth, c.Session.ViewportHeight)
	}
	return nil
}

// TTL returns the session time-to-live.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// NavigationTimeout bounds the create-time navigation wait.
func (c SessionConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.NavigationTimeoutSec) * time.Second
}

// ClickDelay is the press-to-release delay for operator clicks.
func (c SessionConfig) ClickDelay() time.Duration {
	if c.ClickDelayMs <= 0 {
		return 20 * time.Millisecond
	}
	return time.Duration(c.ClickDelayMs) * time.Millisecond
}

// StopTimeout bounds the wait for the encoder to exit after end-of-stream.
func (c RecordingConfig) StopTimeout() time.Duration {
	if c.StopTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.StopTimeoutSec) * time.Second
}
