package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/noise.report/internal/fsutil"
)

// MaxFileSize bounds the settings file so a stray path cannot pull a huge
// file into memory.
const MaxFileSize = 1 * 1024 * 1024 // 1MB

// Format is a settings file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the encoding from the file extension.
func FormatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("settings file must have .json, .yaml or .yml extension, got %q", ext)
	}
}

// Load reads a settings file from disk.
func Load(path string) (*Settings, error) {
	return LoadFS(fsutil.OSFileSystem{}, path)
}

// LoadFS reads and validates a settings file. Fields omitted from the file
// stay nil and fall back to defaults through the Get* accessors, so partial
// files are safe.
func LoadFS(fsys fsutil.FileSystem, path string) (*Settings, error) {
	data, err := readSettingsFile(fsys, path)
	if err != nil {
		return nil, err
	}
	format, _ := FormatOf(path)
	return Decode(data, format)
}

func readSettingsFile(fsys fsutil.FileSystem, path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if _, err := FormatOf(cleanPath); err != nil {
		return nil, err
	}

	info, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat settings file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	return data, nil
}

// Decode parses and validates a settings document. Unknown fields are
// rejected so typos do not silently fall back to defaults.
func Decode(data []byte, format Format) (*Settings, error) {
	s := &Settings{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(s); err != nil {
			return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// an empty document decodes to io.EOF; treat it as all defaults
		if err := dec.Decode(s); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return nil, fmt.Errorf("failed to parse settings YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown settings format %q", format)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Encode renders settings in the given format.
func Encode(s *Settings, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML:
		return yaml.Marshal(s)
	default:
		return nil, fmt.Errorf("unknown settings format %q", format)
	}
}

// Save validates s and writes it to path, replacing the file atomically.
func Save(fsys fsutil.FileSystem, path string, s *Settings) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := Encode(s, format)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := fsys.WriteFile(filepath.Clean(path), data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}
