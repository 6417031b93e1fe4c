package pkg

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ManouchehrRasoulli/dirwatch/pkg/watcher"
)

type Type string

const (
	WatchType  Type = "watch"
	ServerType Type = "server"
	ClientType Type = "client"
)

const (
	DefaultAddress   = "localhost:12001"
	DefaultQueueSize = 64
	DefaultLogPrefix = "dirwatch --> "
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type ServerTLSConfig struct {
	Key  string `yaml:"key"`
	Cert string `yaml:"cert"`
}

type ServerConfig struct {
	TLS    ServerTLSConfig `yaml:"tls"`
	PwFile string          `yaml:"pwfile"`
	// Queue is the number of notifications buffered per connection before
	// the server starts dropping them for that connection.
	Queue int `yaml:"queue"`
}

type ClientConfig struct {
	TLS      bool     `yaml:"tls"`
	Insecure bool     `yaml:"insecure"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Paths    []string `yaml:"paths"`
}

type LogConfig struct {
	Prefix string `yaml:"prefix"`
	Color  bool   `yaml:"color"`
	// Trace hands the logger to the watch session as well.
	Trace bool `yaml:"trace"`
}

type Config struct {
	ServiceType Type         `yaml:"type"`
	Address     string       `yaml:"address"`
	Backend     string       `yaml:"backend"`
	Recursive   *bool        `yaml:"recursive"`
	Path        string       `yaml:"path"`
	Paths       []string     `yaml:"paths"`
	Log         LogConfig    `yaml:"log"`
	Client      ClientConfig `yaml:"client"`
	Server      ServerConfig `yaml:"server"`
}

func ReadConfig(file string) (*Config, error) {
	yfile, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	return ParseConfig(yfile)
}

func ParseConfig(data []byte) (*Config, error) {
	c := Config{}
	err := yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, err
	}

	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Roots returns every configured watch root, the legacy single path first.
func (c *Config) Roots() []string {
	roots := make([]string, 0, len(c.Paths)+1)
	if c.Path != "" {
		roots = append(roots, c.Path)
	}
	return append(roots, c.Paths...)
}

func (c *Config) IsRecursive() bool {
	return c.Recursive == nil || *c.Recursive
}

func (c *Config) defaults() {
	if c.ServiceType == "" {
		c.ServiceType = WatchType
	}
	if c.Backend == "" {
		c.Backend = watcher.BackendFsnotify
	}
	if c.Address == "" && c.ServiceType != WatchType {
		c.Address = DefaultAddress
	}
	if c.Server.Queue <= 0 {
		c.Server.Queue = DefaultQueueSize
	}
	if c.Log.Prefix == "" {
		c.Log.Prefix = DefaultLogPrefix
	}
}

func (c *Config) Validate() error {
	switch c.ServiceType {
	case WatchType, ServerType:
		if len(c.Roots()) == 0 {
			return fmt.Errorf("%w: %s mode needs at least one path", ErrInvalidConfig, c.ServiceType)
		}
	case ClientType:
	default:
		return fmt.Errorf("%w: unknown service type %q", ErrInvalidConfig, c.ServiceType)
	}

	switch c.Backend {
	case watcher.BackendFsnotify, watcher.BackendInotify:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}

	if (c.Server.TLS.Cert == "") != (c.Server.TLS.Key == "") {
		return fmt.Errorf("%w: server tls needs both cert and key", ErrInvalidConfig)
	}

	return nil
}
