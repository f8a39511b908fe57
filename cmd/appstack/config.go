package main

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"appstack/internal/importer"
	"appstack/internal/output"
	"appstack/internal/validation"
)

// Config holds the CLI configuration.
type Config struct {
	ApplicationID int `yaml:"application_id"`
	Zones         int `yaml:"zones"`
	Instances     int `yaml:"instances"`

	Region     string `yaml:"region"`
	Profile    string `yaml:"profile"`
	RoleARN    string `yaml:"role_arn"`
	ExternalID string `yaml:"external_id"`

	Exports importer.ExportNames `yaml:"exports"`
	// Static replaces the CloudFormation export and EC2 network lookups.
	Static *StaticEnvironment `yaml:"static"`

	BaseNetwork string `yaml:"base_network"`
	IngressCIDR string `yaml:"ingress_cidr"`

	OS             string `yaml:"os"`
	Arch           string `yaml:"arch"`
	InstanceType   string `yaml:"instance_type"`
	ImagesFile     string `yaml:"images_file"`
	PrivilegedRole bool   `yaml:"privileged_role"`
	KeyDir         string `yaml:"key_dir"`
	KeyName        string `yaml:"key_name"`

	RequestsPerSecond float64       `yaml:"requests_per_second"`
	InstanceTimeout   time.Duration `yaml:"instance_timeout"`
	ClusterTimeout    time.Duration `yaml:"cluster_timeout"`

	OutputFormat string `yaml:"output_format"`
	MetricsFile  string `yaml:"metrics_file"`
}

// StaticEnvironment describes the shared environment inline.
type StaticEnvironment struct {
	Exports map[string]string `yaml:"exports"`
	Zones   []string          `yaml:"zones"`
	VpcCIDR string            `yaml:"vpc_cidr"`
}

func defaultConfig() *Config {
	return &Config{
		Zones:           2,
		Instances:       1,
		Exports:         importer.DefaultExportNames(),
		KeyDir:          ".",
		InstanceTimeout: 10 * time.Minute,
		ClusterTimeout:  45 * time.Minute,
		OutputFormat:    output.FormatText,
	}
}

// LoadConfig loads configuration from a YAML file and environment variables.
// Environment variables override YAML values.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"APPSTACK_APP_ID", &c.ApplicationID},
		{"APPSTACK_ZONES", &c.Zones},
		{"APPSTACK_INSTANCES", &c.Instances},
	} {
		s := os.Getenv(v.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = n
	}
	if v := os.Getenv("APPSTACK_REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("AWS_PROFILE"); v != "" && c.Profile == "" {
		c.Profile = v
	}
	if v := os.Getenv("APPSTACK_ROLE_ARN"); v != "" {
		c.RoleARN = v
	}
	if v := os.Getenv("APPSTACK_OS"); v != "" {
		c.OS = v
	}
	if v := os.Getenv("APPSTACK_KEY_DIR"); v != "" {
		c.KeyDir = v
	}
	if v := os.Getenv("APPSTACK_PRIVILEGED_ROLE"); v != "" {
		c.PrivilegedRole = v == "true" || v == "1"
	}
	if v := os.Getenv("APPSTACK_OUTPUT_FORMAT"); v != "" {
		c.OutputFormat = v
	}
	return nil
}

// Validate checks the configuration before anything runs.
func (c *Config) Validate() error {
	if err := validation.ValidateApplicationID(c.ApplicationID); err != nil {
		return err
	}
	if c.Zones < 1 {
		return &validation.ConfigError{Field: "zones", Value: c.Zones, Reason: "must be at least 1", Err: validation.ErrOutOfRange}
	}
	if err := validation.ValidateInstanceCount(c.Instances); err != nil {
		return err
	}
	if err := c.Exports.Validate(); err != nil {
		return err
	}
	if c.BaseNetwork != "" {
		p, err := netip.ParsePrefix(c.BaseNetwork)
		if err != nil {
			return &validation.ConfigError{Field: "base_network", Value: c.BaseNetwork, Reason: err.Error(), Err: validation.ErrInvalidFormat}
		}
		if err := validation.ValidateBaseNetwork(p); err != nil {
			return err
		}
	}
	if c.IngressCIDR != "" {
		if _, err := netip.ParsePrefix(c.IngressCIDR); err != nil {
			return &validation.ConfigError{Field: "ingress_cidr", Value: c.IngressCIDR, Reason: err.Error(), Err: validation.ErrInvalidFormat}
		}
	}
	if c.Static != nil {
		if len(c.Static.Zones) == 0 {
			return errors.New("static.zones is required when static is set")
		}
		if c.Static.VpcCIDR != "" {
			if _, err := netip.ParsePrefix(c.Static.VpcCIDR); err != nil {
				return &validation.ConfigError{Field: "static.vpc_cidr", Value: c.Static.VpcCIDR, Reason: err.Error(), Err: validation.ErrInvalidFormat}
			}
		}
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second cannot be negative")
	}
	switch c.OutputFormat {
	case output.FormatText, output.FormatJSON:
	default:
		return fmt.Errorf("output_format must be %q or %q", output.FormatText, output.FormatJSON)
	}
	return nil
}

func (c *Config) baseNetwork() netip.Prefix {
	if c.BaseNetwork == "" {
		return netip.Prefix{}
	}
	return netip.MustParsePrefix(c.BaseNetwork)
}
