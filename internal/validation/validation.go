// Package validation checks composition inputs before any resource request
// is issued. Every failure is a configuration error: fatal and not retried.
package validation

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// ErrConfiguration matches every *ConfigError via errors.Is.
var ErrConfiguration = errors.New("configuration error")

// Specific causes carried by ConfigError.Err.
var (
	ErrEmptyValue       = errors.New("value cannot be empty")
	ErrOutOfRange       = errors.New("value out of range")
	ErrInvalidFormat    = errors.New("invalid format")
	ErrReservedRange    = errors.New("cidr uses reserved address range")
	ErrIPv6NotSupported = errors.New("ipv6 not supported")
	ErrMissingExport    = errors.New("shared export not found")
	ErrZoneUnavailable  = errors.New("not enough availability zones")
)

// Bounds of the addressing scheme: the application id selects one /24 inside
// the /16 base network, and zones are /28 blocks inside that /24.
const (
	MaxApplicationID = 255
	MaxZonesPerApp   = 16
	BaseNetworkBits  = 16
	MaxExportName    = 255
)

// Reserved IPv4 ranges that can never host an application network.
var reservedIPv4Ranges = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),      // "This network" (RFC 791)
	netip.MustParsePrefix("127.0.0.0/8"),    // Loopback (RFC 1122)
	netip.MustParsePrefix("169.254.0.0/16"), // Link-local (RFC 3927)
	netip.MustParsePrefix("224.0.0.0/4"),    // Multicast (RFC 5771)
	netip.MustParsePrefix("240.0.0.0/4"),    // Reserved for future use (RFC 1112)
}

// exportNamePattern follows CloudFormation export naming rules.
var exportNamePattern = regexp.MustCompile(`^[A-Za-z0-9:\-]+$`)

// ConfigError describes one invalid input.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigError match ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// ValidateApplicationID checks the id fits in one octet of the address scheme.
func ValidateApplicationID(id int) error {
	if id < 0 || id > MaxApplicationID {
		return &ConfigError{
			Field:  "application id",
			Value:  id,
			Reason: fmt.Sprintf("must be between 0 and %d", MaxApplicationID),
			Err:    ErrOutOfRange,
		}
	}
	return nil
}

// ValidateZoneCount checks the requested zone count against the zones the
// shared environment exposes and the blocks one application slice holds.
func ValidateZoneCount(count, available int) error {
	if count < 1 {
		return &ConfigError{Field: "zone count", Value: count, Reason: "must be at least 1", Err: ErrOutOfRange}
	}
	if count > MaxZonesPerApp {
		return &ConfigError{
			Field:  "zone count",
			Value:  count,
			Reason: fmt.Sprintf("at most %d /28 blocks fit in one application slice", MaxZonesPerApp),
			Err:    ErrOutOfRange,
		}
	}
	if count > available {
		return &ConfigError{
			Field:  "zone count",
			Value:  count,
			Reason: fmt.Sprintf("only %d availability zones available", available),
			Err:    ErrZoneUnavailable,
		}
	}
	return nil
}

// ValidateInstanceCount rejects negative counts. Zero is a valid no-op.
func ValidateInstanceCount(count int) error {
	if count < 0 {
		return &ConfigError{Field: "instance count", Value: count, Reason: "cannot be negative", Err: ErrOutOfRange}
	}
	return nil
}

// ValidateBaseNetwork checks the network the application slices are carved
// from: a canonical, non-reserved IPv4 /16.
func ValidateBaseNetwork(p netip.Prefix) error {
	if !p.IsValid() {
		return &ConfigError{Field: "base network", Value: p, Reason: "invalid cidr notation", Err: ErrInvalidFormat}
	}
	if !p.Addr().Is4() {
		return &ConfigError{Field: "base network", Value: p, Reason: "only ipv4 is supported", Err: ErrIPv6NotSupported}
	}
	for _, reserved := range reservedIPv4Ranges {
		if prefixOverlaps(p, reserved) {
			return &ConfigError{
				Field:  "base network",
				Value:  p,
				Reason: fmt.Sprintf("overlaps with reserved range %s", reserved),
				Err:    ErrReservedRange,
			}
		}
	}
	if p.Bits() != BaseNetworkBits {
		return &ConfigError{
			Field:  "base network",
			Value:  p,
			Reason: fmt.Sprintf("must be a /%d", BaseNetworkBits),
			Err:    ErrInvalidFormat,
		}
	}
	if p.Masked() != p {
		return &ConfigError{Field: "base network", Value: p, Reason: "host bits must be zero", Err: ErrInvalidFormat}
	}
	return nil
}

// ValidateExportName checks a shared-resource export name.
func ValidateExportName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return &ConfigError{Field: "export name", Value: `""`, Reason: "cannot be empty", Err: ErrEmptyValue}
	}
	if len(trimmed) > MaxExportName {
		return &ConfigError{Field: "export name", Value: truncate(trimmed, 50), Reason: "too long", Err: ErrInvalidFormat}
	}
	if !exportNamePattern.MatchString(trimmed) {
		return &ConfigError{Field: "export name", Value: trimmed, Reason: "only letters, digits, ':' and '-' are allowed", Err: ErrInvalidFormat}
	}
	return nil
}

// MissingExport reports a shared export that does not exist.
func MissingExport(name string) error {
	return &ConfigError{Field: "shared export", Value: name, Reason: "not found in the shared environment", Err: ErrMissingExport}
}

// prefixOverlaps checks if two prefixes overlap (either contains the other or are equal).
func prefixOverlaps(a, b netip.Prefix) bool {
	return a.Contains(b.Addr()) || b.Contains(a.Addr())
}

// truncate shortens a string for display in error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
