package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// Station drivers accepted in the stations file.
const (
	DriverSimulator = "simulator"
	DriverCSV       = "csv"
	DriverKafka     = "kafka"
)

// StationsFile is the YAML document listing the stations this process serves.
type StationsFile struct {
	Stations []StationConfig `yaml:"stations" validate:"required,min=1,unique=ID,dive"`
}

// StationConfig is one station entry. Options are driver specific and are
// decoded by the driver with DecodeOptions.
type StationConfig struct {
	ID              string            `yaml:"id" validate:"required,excludesall=0x7C/"`
	Location        string            `yaml:"location"`
	Latitude        float64           `yaml:"latitude" validate:"min=-90,max=90"`
	Longitude       float64           `yaml:"longitude" validate:"min=-180,max=180"`
	AltitudeMeters  float64           `yaml:"altitude_meters"`
	Driver          string            `yaml:"driver" validate:"required,oneof=simulator csv kafka"`
	ArchiveInterval string            `yaml:"archive_interval" validate:"required"`
	Rules           map[string]string `yaml:"rules"`
	Options         map[string]any    `yaml:"options"`
}

// LoadStations reads and validates the stations file at path.
func LoadStations(path string) ([]StationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stations file: %w", err)
	}
	return ParseStations(data)
}

// ParseStations decodes and validates a stations document.
func ParseStations(data []byte) ([]StationConfig, error) {
	var f StationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stations file: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid stations file: %w", err)
	}
	for _, s := range f.Stations {
		if _, err := s.Metadata(); err != nil {
			return nil, err
		}
	}
	return f.Stations, nil
}

// Metadata converts the entry into the station's immutable metadata.
func (s StationConfig) Metadata() (domain.StationMetadata, error) {
	interval, err := time.ParseDuration(s.ArchiveInterval)
	if err != nil {
		return domain.StationMetadata{}, fmt.Errorf("station %s: invalid archive_interval %q: %w", s.ID, s.ArchiveInterval, err)
	}
	if interval < time.Second || interval%time.Second != 0 {
		return domain.StationMetadata{}, fmt.Errorf("station %s: archive_interval must be a whole number of seconds", s.ID)
	}

	rules := make(map[string]domain.AggregationRule, len(s.Rules))
	var errs []error
	for field, name := range s.Rules {
		rule, err := domain.ParseAggregationRule(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("station %s: field %s: %w", s.ID, field, err))
			continue
		}
		rules[field] = rule
	}
	if err := errors.Join(errs...); err != nil {
		return domain.StationMetadata{}, err
	}

	return domain.StationMetadata{
		ID:              s.ID,
		Location:        strings.TrimSpace(s.Location),
		Latitude:        s.Latitude,
		Longitude:       s.Longitude,
		AltitudeMeters:  s.AltitudeMeters,
		Driver:          s.Driver,
		ArchiveInterval: interval,
		Rules:           rules,
	}, nil
}

// DecodeOptions binds a station's driver options onto target. Duration
// strings such as "2s" and numeric strings are converted.
func DecodeOptions(options map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "yaml",
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("create options decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("decode driver options: %w", err)
	}
	return nil
}
