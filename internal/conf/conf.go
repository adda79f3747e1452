package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Conf is the top-level configuration for a uTP endpoint process: the
// multiplexer's own tuning, the reliable-delivery engine underneath each
// Stream, the app-level tunnel multiplexing, and the CLI-facing front
// ends (SOCKS5, port forwards) that consume a Stream once accepted or
// connected.
type Conf struct {
	Role   string `yaml:"role"` // "client" or "server"
	Listen string `yaml:"listen"`
	Server string `yaml:"server"` // remote peer address, client role only

	Log    Log      `yaml:"log"`
	Mux    Mux      `yaml:"mux"`
	Stream Stream   `yaml:"stream"`
	Tunnel Tunnel   `yaml:"tunnel"`
	Crypto Crypto   `yaml:"crypto"`
	SOCKS5 *SOCKS5  `yaml:"socks5"`
	Forward []Forward `yaml:"forward"`
}

// LoadFromFile reads and validates a YAML config file.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Conf
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &c, err
	}

	if c.Role != "client" && c.Role != "server" {
		return nil, fmt.Errorf("role must be 'client' or 'server'")
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return &c, err
	}
	return &c, nil
}

func (c *Conf) setDefaults() {
	c.Log.setDefaults()
	c.Mux.setDefaults()
	c.Stream.setDefaults()
	c.Tunnel.setDefaults()
	c.Crypto.setDefaults()
	if c.SOCKS5 != nil {
		c.SOCKS5.setDefaults()
	}
	for i := range c.Forward {
		c.Forward[i].setDefaults()
	}
}

func (c *Conf) validate() error {
	var allErrors []error

	allErrors = append(allErrors, c.Log.validate()...)
	allErrors = append(allErrors, c.Mux.validate()...)
	allErrors = append(allErrors, c.Stream.validate()...)
	allErrors = append(allErrors, c.Tunnel.validate()...)
	allErrors = append(allErrors, c.Crypto.validate()...)

	if c.Role == "server" && c.Listen == "" {
		allErrors = append(allErrors, fmt.Errorf("server role requires listen address"))
	}
	if c.Role == "client" && c.Server == "" {
		allErrors = append(allErrors, fmt.Errorf("client role requires server address"))
	}
	if c.SOCKS5 != nil {
		for _, err := range c.SOCKS5.validate() {
			allErrors = append(allErrors, fmt.Errorf("socks5: %w", err))
		}
	}
	for i := range c.Forward {
		for _, err := range c.Forward[i].validate() {
			allErrors = append(allErrors, fmt.Errorf("forward[%d]: %w", i, err))
		}
	}

	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, len(allErrors))
	for i, err := range allErrors {
		messages[i] = err.Error()
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

// Log configures the flog sink's minimum level.
type Log struct {
	Level string `yaml:"level"`
}

func (l *Log) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
}

func (l *Log) validate() []error {
	switch l.Level {
	case "debug", "info", "warn", "error", "none":
		return nil
	default:
		return []error{fmt.Errorf("log.level must be one of debug/info/warn/error/none, got %q", l.Level)}
	}
}
