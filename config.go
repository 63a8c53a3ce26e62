package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hydraresearch/nautilus/duet"
	"github.com/hydraresearch/nautilus/printer"
	"github.com/hydraresearch/nautilus/provision"
	"github.com/hydraresearch/nautilus/registry"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DataDir   string          `yaml:"data_dir"`
	Profile   ProfileConfig   `yaml:"profile"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Poll      PollConfig      `yaml:"poll"`
	Provision ProvisionConfig `yaml:"provision"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProfileConfig names one plugin generation. The generations differ only
// in these values.
type ProfileConfig struct {
	Name          string `yaml:"name"`
	UserAgent     string `yaml:"user_agent"`
	InstancesKey  string `yaml:"instances_key"`
	PasswordField string `yaml:"password_field"`
	FirmwareImage string `yaml:"firmware_image"`
	ServerImage   string `yaml:"server_image"`
	ReleaseURL    string `yaml:"release_url"`
}

type TimeoutConfig struct {
	Request time.Duration `yaml:"request"`
	Status  time.Duration `yaml:"status"`
	Version time.Duration `yaml:"version"`
}

type PollConfig struct {
	Interval             time.Duration `yaml:"interval"`
	SimulationStartDelay time.Duration `yaml:"simulation_start_delay"`
}

type ProvisionConfig struct {
	DeleteDelay time.Duration `yaml:"delete_delay"`
	UploadDelay time.Duration `yaml:"upload_delay"`
	Alert       string        `yaml:"alert"`
}

func DefaultConfig() *Config {
	reg := registry.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7130,
		},
		DataDir: "nautilus-data",
		Profile: ProfileConfig{
			Name:          "Nautilus",
			UserAgent:     duet.DefaultUserAgent,
			InstancesKey:  reg.Key,
			PasswordField: reg.PasswordField,
			FirmwareImage: provision.DefaultImages.Firmware,
			ServerImage:   provision.DefaultImages.Server,
			ReleaseURL:    provision.DefaultReleaseURL,
		},
		Timeouts: TimeoutConfig{
			Request: duet.DefaultTimeout,
			Status:  duet.DefaultStatusTimeout,
			Version: 8 * time.Second,
		},
		Poll: PollConfig{
			Interval:             time.Second,
			SimulationStartDelay: 2 * time.Second,
		},
		Provision: ProvisionConfig{
			DeleteDelay: 100 * time.Millisecond,
			UploadDelay: 250 * time.Millisecond,
			Alert:       provision.DefaultAlert,
		},
	}
}

// LoadConfig reads path over the defaults. A missing file leaves the
// defaults in place.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if !filepath.IsAbs(cfg.DataDir) {
		dir, _ := os.Getwd()
		cfg.DataDir = filepath.Join(dir, cfg.DataDir)
	}

	return cfg, nil
}

// ListenAddr is the host:port the API server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) registryConfig() registry.Config {
	return registry.Config{
		Namespace:     registry.DefaultConfig().Namespace,
		Key:           c.Profile.InstancesKey,
		PasswordField: c.Profile.PasswordField,
	}
}

func (c *Config) deviceOptions() printer.Options {
	return printer.Options{
		UserAgent:       c.Profile.UserAgent,
		RequestTimeout:  c.Timeouts.Request,
		StatusTimeout:   c.Timeouts.Status,
		PollInterval:    c.Poll.Interval,
		SimulationDelay: c.Poll.SimulationStartDelay,
	}
}

func (c *Config) provisioner() *provision.Provisioner {
	p := provision.NewProvisioner()
	p.Images = provision.Images{Firmware: c.Profile.FirmwareImage, Server: c.Profile.ServerImage}
	p.DeleteDelay = c.Provision.DeleteDelay
	p.UploadDelay = c.Provision.UploadDelay
	return p
}

func (c *Config) releases() *provision.Releases {
	return &provision.Releases{URL: c.Profile.ReleaseURL, UserAgent: c.Profile.UserAgent}
}
