// Copyright © 2024 OpenRad <dev@openrad.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenPort      = 104
	DefaultMaxAssociations = 25
	MaxAssociationsHardCap = 1000
	DefaultSubmitWorkers   = 4
	DefaultGraceShutdown   = 30 * time.Second
	DefaultPlatformTimeout = 60 * time.Minute
)

// Duration adds YAML support for "30s"-style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// CalledAEConfig declares one application entity this node answers for.
type CalledAEConfig struct {
	Name                  string            `yaml:"name" validate:"required"`
	AETitle               string            `yaml:"aeTitle" validate:"required,max=16,printascii"`
	IgnoredSOPClasses     []string          `yaml:"ignoredSopClasses"`
	OverwriteSameInstance bool              `yaml:"overwriteSameInstance"`
	ProcessorConfig       map[string]string `yaml:"processorConfig" validate:"required"`
}

// AllowedSourceConfig is one (calling AE, host) pair admitted when
// rejectUnknownSources is on.
type AllowedSourceConfig struct {
	AETitle  string `yaml:"aeTitle" validate:"required,max=16,printascii"`
	HostOrIP string `yaml:"hostOrIp" validate:"required"`
}

// DestinationConfig is a DICOM export target. The core only carries these in
// the registry; exporters consume them.
type DestinationConfig struct {
	Name    string `yaml:"name" validate:"required"`
	AETitle string `yaml:"aeTitle" validate:"required,max=16,printascii"`
	Host    string `yaml:"host" validate:"required"`
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
}

// PlatformConfig locates the external inference platform.
type PlatformConfig struct {
	Endpoint string   `yaml:"endpoint" validate:"required,url"`
	APIToken string   `yaml:"apiToken"`
	Timeout  Duration `yaml:"timeout"`
}

type Config struct {
	StorageRoot          string  `yaml:"storageRoot" validate:"required"`
	ListenPort           int     `yaml:"listenPort" validate:"min=1,max=65535"`
	WatermarkPercent     float64 `yaml:"watermarkPercent" validate:"gt=0,lte=100"`
	ReservedBytes        uint64  `yaml:"reservedBytes"`
	MaxAssociations      int     `yaml:"maxAssociations" validate:"min=1,max=1000"`
	RejectUnknownSources bool    `yaml:"rejectUnknownSources"`

	// Transfer syntaxes accepted for verification presentation contexts.
	VerificationTransferSyntaxes []string `yaml:"verificationTransferSyntaxes"`

	SubmitWorkers int      `yaml:"submitWorkers" validate:"min=1"`
	GraceShutdown Duration `yaml:"graceShutdown"`
	LogLevel      string   `yaml:"logLevel"`

	Platform       PlatformConfig        `yaml:"platform" validate:"required"`
	CalledAEs      []CalledAEConfig      `yaml:"calledAEs" validate:"required,min=1,dive"`
	AllowedSources []AllowedSourceConfig `yaml:"allowedSources" validate:"dive"`
	Destinations   []DestinationConfig   `yaml:"destinations" validate:"dive"`
}

func (c *Config) ApplyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.WatermarkPercent == 0 {
		c.WatermarkPercent = DefaultWatermarkPercent
	}
	if c.ReservedBytes == 0 {
		c.ReservedBytes = DefaultReservedBytes
	}
	if c.MaxAssociations == 0 {
		c.MaxAssociations = DefaultMaxAssociations
	}
	if c.SubmitWorkers == 0 {
		c.SubmitWorkers = DefaultSubmitWorkers
	}
	if c.GraceShutdown == 0 {
		c.GraceShutdown = Duration(DefaultGraceShutdown)
	}
	if c.Platform.Timeout == 0 {
		c.Platform.Timeout = Duration(DefaultPlatformTimeout)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.VerificationTransferSyntaxes) == 0 {
		c.VerificationTransferSyntaxes = []string{
			ImplicitVRLittleEndian,
			ExplicitVRLittleEndian,
		}
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	seenNames := make(map[string]bool)
	seenTitles := make(map[string]bool)
	for _, ae := range c.CalledAEs {
		if seenNames[ae.Name] {
			return errors.Errorf("duplicate called AE name %q", ae.Name)
		}
		if seenTitles[ae.AETitle] {
			return errors.Errorf("duplicate called AE title %q", ae.AETitle)
		}
		seenNames[ae.Name] = true
		seenTitles[ae.AETitle] = true
	}
	return nil
}

// LoadConfig reads, defaults and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
