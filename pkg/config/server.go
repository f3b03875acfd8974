// Package config holds the two configuration layers of the daemon: the
// immutable server settings (ports, paths, uptime limit) and the mutable
// sandbox policy state persisted to sandbox.config.json.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Server is the daemon's process-level configuration.
// Priority: env vars > config file > defaults.
type Server struct {
	ServerPort  int    `yaml:"server_port" envconfig:"SERVER_PORT"`
	ProxyPort   int    `yaml:"proxy_port" envconfig:"PROXY_PORT"`
	ProxyInline bool   `yaml:"proxy_inline" envconfig:"PROXY_INLINE"`
	MaxUptime   string `yaml:"max_uptime" envconfig:"MAX_UPTIME"`
	Workspace   string `yaml:"workspace" envconfig:"WORKSPACE"`
	HostProject string `yaml:"host_project" envconfig:"HOST_PROJECT"`
	DataDir     string `yaml:"data_dir" envconfig:"DATA_DIR"`
	SandboxPath string `yaml:"sandbox_config" envconfig:"SANDBOX_CONFIG"`
	LogLevel    string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// LoadServer reads the optional YAML config file at path and applies
// environment overrides. An empty path skips the file layer entirely.
func LoadServer(path string) (*Server, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg := &Server{
		ServerPort:  3700,
		ProxyPort:   3701,
		ProxyInline: true,
		Workspace:   "/workspace/merged",
		HostProject: "/workspace/lower",
		DataDir:     "data",
		SandboxPath: "sandbox.config.json",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process env vars: %w", err)
	}

	return cfg, nil
}
