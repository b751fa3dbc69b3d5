// Package cli holds what the command line tools share: configuration files
// and logger setup.
package cli

import (
	"fmt"

	"github.com/zllovesuki/chanmux/codec"
	"github.com/zllovesuki/chanmux/connect"

	"github.com/gookit/config/v2"
	"github.com/gookit/config/v2/toml"
	"github.com/gookit/config/v2/yaml"
	"go.uber.org/zap"
)

type MultiplexerConfig struct {
	MaxFrameLength uint32 `mapstructure:"maxFrameLength"`
	MaxPorts       uint32 `mapstructure:"maxPorts"`
	ReceiveBuffer  uint32 `mapstructure:"receiveBuffer"`
	MaxMessageSize uint32 `mapstructure:"maxMessageSize"`
	AcceptBacklog  int    `mapstructure:"acceptBacklog"`
}

type Bundle struct {
	// Addr is the listen address of the server and the dial address of the
	// client.
	Addr     string
	Profiler string
	Debug    bool
	Codec    string
	Buffer   int

	Multiplexer MultiplexerConfig
}

func DefaultBundle() *Bundle {
	d := connect.DefaultConfig()
	return &Bundle{
		Addr:   "127.0.0.1:7000",
		Codec:  d.Codec.ContentType(),
		Buffer: connect.DefaultBufferSize,
	}
}

// Load reads a .yaml or .toml file. An empty path returns the defaults.
func Load(path string) (*Bundle, error) {
	b := DefaultBundle()
	if path == "" {
		return b, nil
	}

	cfg := config.New("chanmux")
	cfg.AddDriver(yaml.Driver)
	cfg.AddDriver(toml.Driver)
	if err := cfg.LoadFiles(path); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	b.Addr = cfg.String("addr", b.Addr)
	b.Profiler = cfg.String("profiler", b.Profiler)
	b.Debug = cfg.Bool("debug", b.Debug)
	b.Codec = cfg.String("codec", b.Codec)
	b.Buffer = cfg.Int("buffer", b.Buffer)
	if cfg.Exists("multiplexer") {
		if err := cfg.MapStruct("multiplexer", &b.Multiplexer); err != nil {
			return nil, fmt.Errorf("decoding multiplexer config: %w", err)
		}
	}
	return b, nil
}

// Connect builds the connection config. Unset multiplexer values keep
// their defaults.
func (b *Bundle) Connect(logger *zap.Logger) (connect.Config, error) {
	c := connect.DefaultConfig()
	c.Mux.Logger = logger
	m := b.Multiplexer
	if m.MaxFrameLength != 0 {
		c.Mux.MaxFrameLength = m.MaxFrameLength
	}
	if m.MaxPorts != 0 {
		c.Mux.MaxPorts = m.MaxPorts
	}
	if m.ReceiveBuffer != 0 {
		c.Mux.ReceiveBuffer = m.ReceiveBuffer
	}
	if m.MaxMessageSize != 0 {
		c.Mux.MaxMessageSize = m.MaxMessageSize
	}
	if m.AcceptBacklog != 0 {
		c.Mux.AcceptBacklog = m.AcceptBacklog
	}
	if err := c.Mux.Validate(); err != nil {
		return c, fmt.Errorf("invalid multiplexer config: %w", err)
	}
	if b.Codec != "" {
		cd := codec.Lookup(b.Codec)
		if cd == nil {
			return c, fmt.Errorf("unknown codec %q", b.Codec)
		}
		c.Codec = cd
	}
	if b.Buffer <= 0 {
		return c, fmt.Errorf("buffer must be positive, got %d", b.Buffer)
	}
	return c, nil
}
