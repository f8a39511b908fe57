// Package images maps an OS name to a machine image reference and the
// default login user of that image.
package images

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"appstack/internal/validation"
)

//go:embed images.yaml
var defaultTable []byte

// Supported architectures.
const (
	ArchAMD64 = "amd64"
	ArchARM64 = "arm64"
)

// DefaultOS is used when no OS name is configured.
const DefaultOS = "ec2-user"

// Entry is one row of the image table.
type Entry struct {
	User  string `yaml:"user"`
	AMD64 string `yaml:"amd64"`
	ARM64 string `yaml:"arm64"`
}

// Image is a resolved image.
type Image struct {
	OS   string
	Arch string
	// ImageID is either a literal ami- id or "resolve:ssm:<parameter>",
	// which EC2 resolves at launch.
	ImageID string
	User    string
}

// Table is an immutable OS name to Entry mapping.
type Table struct {
	entries map[string]Entry
}

// Default returns the embedded table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("images: embedded table: %v", err))
	}
	return t
}

// Parse reads a YAML image table.
func Parse(data []byte) (*Table, error) {
	entries := make(map[string]Entry)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse image table: %w", err)
	}
	for name, e := range entries {
		if e.User == "" {
			return nil, fmt.Errorf("image %q: user is required", name)
		}
		if e.AMD64 == "" && e.ARM64 == "" {
			return nil, fmt.Errorf("image %q: no architectures", name)
		}
	}
	return &Table{entries: entries}, nil
}

// Names returns the known OS names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for n := range t.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve looks up os/arch. Unknown names and architectures are
// configuration errors.
func (t *Table) Resolve(os, arch string) (Image, error) {
	if os == "" {
		os = DefaultOS
	}
	if arch == "" {
		arch = ArchAMD64
	}
	e, ok := t.entries[os]
	if !ok {
		return Image{}, &validation.ConfigError{
			Field:  "image",
			Value:  os,
			Reason: "unknown os name, expected one of " + strings.Join(t.Names(), ", "),
			Err:    validation.ErrInvalidFormat,
		}
	}
	var ref string
	switch arch {
	case ArchAMD64:
		ref = e.AMD64
	case ArchARM64:
		ref = e.ARM64
	default:
		return Image{}, &validation.ConfigError{Field: "architecture", Value: arch, Reason: "must be amd64 or arm64", Err: validation.ErrInvalidFormat}
	}
	if ref == "" {
		return Image{}, &validation.ConfigError{Field: "architecture", Value: arch, Reason: "not published for " + os, Err: validation.ErrInvalidFormat}
	}
	return Image{OS: os, Arch: arch, ImageID: imageID(ref), User: e.User}, nil
}

func imageID(ref string) string {
	if strings.HasPrefix(ref, "ami-") || strings.HasPrefix(ref, "resolve:ssm:") {
		return ref
	}
	return "resolve:ssm:" + ref
}
