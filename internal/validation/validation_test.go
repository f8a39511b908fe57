package validation

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func TestValidateApplicationID(t *testing.T) {
	tests := []struct {
		name    string
		id      int
		wantErr error
	}{
		{name: "zero", id: 0},
		{name: "seven", id: 7},
		{name: "max", id: 255},
		{name: "negative", id: -1, wantErr: ErrOutOfRange},
		{name: "too large", id: 256, wantErr: ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateApplicationID(tt.id)
			checkErr(t, err, tt.wantErr)
		})
	}
}

func TestValidateZoneCount(t *testing.T) {
	tests := []struct {
		name      string
		count     int
		available int
		wantErr   error
	}{
		{name: "one of three", count: 1, available: 3},
		{name: "all three", count: 3, available: 3},
		{name: "zero", count: 0, available: 3, wantErr: ErrOutOfRange},
		{name: "more than available", count: 4, available: 3, wantErr: ErrZoneUnavailable},
		{name: "more than slice holds", count: 17, available: 20, wantErr: ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, ValidateZoneCount(tt.count, tt.available), tt.wantErr)
		})
	}
}

func TestValidateInstanceCount(t *testing.T) {
	checkErr(t, ValidateInstanceCount(0), nil)
	checkErr(t, ValidateInstanceCount(3), nil)
	checkErr(t, ValidateInstanceCount(-2), ErrOutOfRange)
}

func TestValidateBaseNetwork(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantErr error
	}{
		{name: "default", prefix: "10.0.0.0/16"},
		{name: "private 172", prefix: "172.20.0.0/16"},
		{name: "not a /16", prefix: "10.0.0.0/8", wantErr: ErrInvalidFormat},
		{name: "host bits", prefix: "10.0.1.0/16", wantErr: ErrInvalidFormat},
		{name: "loopback", prefix: "127.0.0.0/16", wantErr: ErrReservedRange},
		{name: "link local", prefix: "169.254.0.0/16", wantErr: ErrReservedRange},
		{name: "ipv6", prefix: "2001:db8::/32", wantErr: ErrIPv6NotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, ValidateBaseNetwork(netip.MustParsePrefix(tt.prefix)), tt.wantErr)
		})
	}

	checkErr(t, ValidateBaseNetwork(netip.Prefix{}), ErrInvalidFormat)
}

func TestValidateExportName(t *testing.T) {
	tests := []struct {
		name    string
		export  string
		wantErr error
	}{
		{name: "core vpc", export: "Core-Vpc"},
		{name: "with colon", export: "Core:ClusterSecurityGroup"},
		{name: "empty", export: "", wantErr: ErrEmptyValue},
		{name: "whitespace", export: "   ", wantErr: ErrEmptyValue},
		{name: "spaces inside", export: "Core Vpc", wantErr: ErrInvalidFormat},
		{name: "too long", export: strings.Repeat("a", 256), wantErr: ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, ValidateExportName(tt.export), tt.wantErr)
		})
	}
}

func TestConfigErrorMatching(t *testing.T) {
	err := MissingExport("Core-Vpc")
	if !errors.Is(err, ErrConfiguration) {
		t.Error("expected ErrConfiguration match")
	}
	if !errors.Is(err, ErrMissingExport) {
		t.Error("expected ErrMissingExport match")
	}
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Value != "Core-Vpc" {
		t.Errorf("errors.As failed: %v", err)
	}
	if !strings.Contains(err.Error(), "Core-Vpc") {
		t.Errorf("message should name the export: %s", err)
	}
}

func checkErr(t *testing.T, err, want error) {
	t.Helper()
	if want == nil {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		return
	}
	if err == nil {
		t.Fatalf("expected error %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected %v to be a configuration error", err)
	}
}
