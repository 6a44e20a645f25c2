package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileVersion is the only config file schema version understood.
const FileVersion = 1

// FileConfig mirrors the on-disk schema. Zero values mean "not set".
type FileConfig struct {
	Version          int               `yaml:"version" toml:"version"`
	Channels         []string          `yaml:"channels" toml:"channels"`
	QualityByChannel map[string]string `yaml:"quality_by_channel" toml:"quality_by_channel"`
	Quality          string            `yaml:"quality" toml:"quality"`
	Refresh          float64           `yaml:"refresh" toml:"refresh"`
	CheckMax         int               `yaml:"check_max" toml:"check_max"`
	RootPath         string            `yaml:"root_path" toml:"root_path"`
	ClientID         string            `yaml:"client_id" toml:"client_id"`
	ClientSecret     string            `yaml:"client_secret" toml:"client_secret"`
	OAuthToken       string            `yaml:"oauth_token" toml:"oauth_token"`
	CaptureTool      string            `yaml:"capture_tool" toml:"capture_tool"`
	CaptureOptions   []string          `yaml:"capture_options" toml:"capture_options"`
	CaptureExt       string            `yaml:"capture_ext" toml:"capture_ext"`
	LegacyProbe      bool              `yaml:"legacy_probe" toml:"legacy_probe"`
	QualityInTitle   bool              `yaml:"quality_in_title" toml:"quality_in_title"`
	HTTPAddr         string            `yaml:"http_addr" toml:"http_addr"`
	APIRate          float64           `yaml:"api_rate" toml:"api_rate"`
	DBDsn            string            `yaml:"db_dsn" toml:"db_dsn"`
}

// LoadFile parses a YAML (.yaml, .yml) or TOML (.toml) config file.
// Unknown keys, trailing documents and a missing or foreign version are errors.
func LoadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)
	// #nosec G304 -- the path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var fc FileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = decodeYAML(data, &fc)
	case ".toml":
		err = decodeTOML(data, &fc)
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml, .yml or .toml)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	switch fc.Version {
	case FileVersion:
	case 0:
		return nil, fmt.Errorf("%s: missing required field version (expected %d)", path, FileVersion)
	default:
		return nil, fmt.Errorf("%s: unsupported config version %d (expected %d)", path, fc.Version, FileVersion)
	}
	return &fc, nil
}

func decodeYAML(data []byte, fc *FileConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

func decodeTOML(data []byte, fc *FileConfig) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(fc); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return fmt.Errorf("strict config parse error: %s", sme.String())
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	return nil
}

// ApplyFile overlays every field set in fc.
func (c *Config) ApplyFile(fc *FileConfig) error {
	if fc.Refresh < 0 {
		return fmt.Errorf("refresh must be positive, got %g", fc.Refresh)
	}
	if len(fc.Channels) > 0 {
		c.Channels = append([]string(nil), fc.Channels...)
	}
	for k, v := range fc.QualityByChannel {
		c.QualityByChannel[k] = v
	}
	setIf(&c.Quality, fc.Quality)
	if fc.Refresh > 0 {
		c.Refresh = Seconds(fc.Refresh)
	}
	if fc.CheckMax != 0 {
		c.CheckMax = fc.CheckMax
	}
	setIf(&c.RootPath, fc.RootPath)
	setIf(&c.ClientID, fc.ClientID)
	setIf(&c.ClientSecret, fc.ClientSecret)
	setIf(&c.OAuthToken, fc.OAuthToken)
	setIf(&c.CaptureTool, fc.CaptureTool)
	if len(fc.CaptureOptions) > 0 {
		c.CaptureOptions = append([]string(nil), fc.CaptureOptions...)
	}
	setIf(&c.CaptureExt, fc.CaptureExt)
	c.LegacyProbe = c.LegacyProbe || fc.LegacyProbe
	c.QualityInTitle = c.QualityInTitle || fc.QualityInTitle
	setIf(&c.HTTPAddr, fc.HTTPAddr)
	if fc.APIRate != 0 {
		c.APIRate = fc.APIRate
	}
	setIf(&c.DBDsn, fc.DBDsn)
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
