package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"appstack/internal/validation"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "appstack.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Zones != 2 || cfg.Instances != 1 {
		t.Errorf("zones=%d instances=%d, want 2 and 1", cfg.Zones, cfg.Instances)
	}
	if cfg.Exports.Vpc != "Core-Vpc" {
		t.Errorf("vpc export = %q", cfg.Exports.Vpc)
	}
	if cfg.ClusterTimeout != 45*time.Minute {
		t.Errorf("cluster timeout = %v", cfg.ClusterTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfig_YAMLAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
application_id: 7
zones: 3
instances: 2
region: eu-west-1
instance_timeout: 5m
output_format: json
static:
  zones: [eu-west-1a, eu-west-1b, eu-west-1c]
  vpc_cidr: 10.0.0.0/16
  exports:
    Core-Vpc: vpc-123
`)
	t.Setenv("APPSTACK_ZONES", "2")
	t.Setenv("APPSTACK_REGION", "us-east-1")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ApplicationID != 7 || cfg.Instances != 2 {
		t.Errorf("yaml values not applied: %+v", cfg)
	}
	if cfg.Zones != 2 {
		t.Errorf("zones = %d, want env override 2", cfg.Zones)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("region = %q, want env override", cfg.Region)
	}
	if cfg.InstanceTimeout != 5*time.Minute {
		t.Errorf("instance timeout = %v", cfg.InstanceTimeout)
	}
	if cfg.Static == nil || cfg.Static.Exports["Core-Vpc"] != "vpc-123" || len(cfg.Static.Zones) != 3 {
		t.Errorf("static environment = %+v", cfg.Static)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadConfig_BadEnv(t *testing.T) {
	t.Setenv("APPSTACK_APP_ID", "seven")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error for non-numeric APPSTACK_APP_ID")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		configErr bool
		wantErr   bool
	}{
		{"ok", func(*Config) {}, false, false},
		{"app id too large", func(c *Config) { c.ApplicationID = 256 }, true, true},
		{"zero zones", func(c *Config) { c.Zones = 0 }, true, true},
		{"negative instances", func(c *Config) { c.Instances = -1 }, true, true},
		{"zero instances", func(c *Config) { c.Instances = 0 }, false, false},
		{"bad base network", func(c *Config) { c.BaseNetwork = "10.0.0.0" }, true, true},
		{"base network not /16", func(c *Config) { c.BaseNetwork = "10.1.0.0/20" }, true, true},
		{"bad ingress", func(c *Config) { c.IngressCIDR = "anywhere" }, true, true},
		{"bad export name", func(c *Config) { c.Exports.Vpc = "Core Vpc" }, true, true},
		{"static without zones", func(c *Config) { c.Static = &StaticEnvironment{} }, false, true},
		{"negative rate", func(c *Config) { c.RequestsPerSecond = -1 }, false, true},
		{"unknown output format", func(c *Config) { c.OutputFormat = "xml" }, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.configErr && !errors.Is(err, validation.ErrConfiguration) {
				t.Errorf("Validate() = %v, want a configuration error", err)
			}
		})
	}
}
