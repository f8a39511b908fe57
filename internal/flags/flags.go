// Package flags reads the feature flags that gate optional resources.
package flags

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"

	"appstack/internal/domain"
)

// env mirrors the recognised environment variables.
type env struct {
	EC2        bool `mapstructure:"EC2"`
	MySQL      bool `mapstructure:"MYSQL"`
	PostgreSQL bool `mapstructure:"POSTGRESQL"`
	// Database is the single-engine switch and implies MySQL.
	Database bool `mapstructure:"DATABASE"`
}

// Names lists the recognised variables.
var Names = []string{"EC2", "MYSQL", "POSTGRESQL", "DATABASE"}

// FromEnviron decodes flags from KEY=VALUE pairs as returned by os.Environ.
// Unknown keys are ignored. Values are parsed the way strconv.ParseBool does,
// so "true" and "1" enable a flag; an empty value leaves it off.
func FromEnviron(environ []string) (domain.FeatureFlags, error) {
	raw := make(map[string]any, len(Names))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !known(k) {
			continue
		}
		raw[k] = strings.ToLower(strings.TrimSpace(v))
	}

	var e env
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &e,
	})
	if err != nil {
		return domain.FeatureFlags{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return domain.FeatureFlags{}, fmt.Errorf("decode feature flags: %w", err)
	}
	return domain.FeatureFlags{
		Instances:  e.EC2,
		MySQL:      e.MySQL || e.Database,
		PostgreSQL: e.PostgreSQL,
	}, nil
}

// FromEnv reads the process environment.
func FromEnv() (domain.FeatureFlags, error) {
	return FromEnviron(os.Environ())
}

func known(k string) bool {
	for _, n := range Names {
		if k == n {
			return true
		}
	}
	return false
}
