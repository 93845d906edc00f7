package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/banshee-data/uartplot/internal/series"
	"github.com/banshee-data/uartplot/internal/serialmux"
)

// PlotterConfig holds the runtime settings for the plotter. Every field is
// optional: nil means "use the default", which the Get* accessors supply.
type PlotterConfig struct {
	// Windowed view
	Retention     *string  `json:"retention,omitempty"` // duration string like "30s"
	EvictionRatio *float64 `json:"eviction_ratio,omitempty"`
	SweepInterval *string  `json:"sweep_interval,omitempty"`
	Palette       []string `json:"palette,omitempty"`

	// Transport
	Serial         *serialmux.PortOptions `json:"serial,omitempty"`
	ReconnectDelay *string                `json:"reconnect_delay,omitempty"`
}

const (
	defaultSweepInterval  = time.Second
	defaultReconnectDelay = 2 * time.Second
)

var hexColour = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// EmptyConfig returns a PlotterConfig with all fields unset.
func EmptyConfig() *PlotterConfig {
	return &PlotterConfig{}
}

// LoadConfig loads a PlotterConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Omitted fields keep
// their defaults, so partial configs are safe.
func LoadConfig(path string) (*PlotterConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *PlotterConfig) Validate() error {
	for name, v := range map[string]*string{
		"retention":       c.Retention,
		"sweep_interval":  c.SweepInterval,
		"reconnect_delay": c.ReconnectDelay,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.EvictionRatio != nil && *c.EvictionRatio < 1 {
		return fmt.Errorf("eviction_ratio must be at least 1, got %f", *c.EvictionRatio)
	}

	for i, colour := range c.Palette {
		if !hexColour.MatchString(colour) {
			return fmt.Errorf("palette[%d] %q is not a #RRGGBB colour", i, colour)
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalise(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetRetention returns how long points stay on the display.
func (c *PlotterConfig) GetRetention() time.Duration {
	return parseDurationOr(c.Retention, series.DefaultRetention)
}

// GetEvictionRatio returns the eviction hysteresis ratio.
func (c *PlotterConfig) GetEvictionRatio() float64 {
	if c.EvictionRatio == nil || *c.EvictionRatio < 1 {
		return series.DefaultEvictionRatio
	}
	return *c.EvictionRatio
}

func (c *PlotterConfig) GetSweepInterval() time.Duration {
	return parseDurationOr(c.SweepInterval, defaultSweepInterval)
}

func (c *PlotterConfig) GetReconnectDelay() time.Duration {
	return parseDurationOr(c.ReconnectDelay, defaultReconnectDelay)
}

// GetPalette returns the configured palette or series.DefaultPalette.
func (c *PlotterConfig) GetPalette() []string {
	if len(c.Palette) == 0 {
		return append([]string(nil), series.DefaultPalette...)
	}
	return append([]string(nil), c.Palette...)
}

// GetSerial returns normalised serial port options.
func (c *PlotterConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	n, err := opts.Normalise()
	if err != nil {
		n, _ = serialmux.PortOptions{}.Normalise()
	}
	return n
}

// ViewOptions converts the window settings for series.NewView.
func (c *PlotterConfig) ViewOptions() series.ViewOptions {
	return series.ViewOptions{
		Retention:     c.GetRetention(),
		EvictionRatio: c.GetEvictionRatio(),
		Palette:       c.GetPalette(),
	}
}
