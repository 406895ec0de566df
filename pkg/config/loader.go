package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is a configuration source format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported configuration file %q (want .yaml, .yml, .cue or .json)", path)
	}
}

// Loader reads and validates station configurations.
type Loader struct {
	cue       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return nil, err
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{cue: ctx, schema: schema, validator: v}, nil
}

// Load reads a configuration file. Fields the file leaves out keep their defaults.
func Load(path string) (*StationConfig, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.LoadFile(path)
}

// LoadFile reads a configuration file.
func (l *Loader) LoadFile(path string) (*StationConfig, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return l.Parse(data, format, path)
}

// Parse decodes, defaults and validates a configuration. filename is used in error messages.
func (l *Loader) Parse(data []byte, format Format, filename string) (*StationConfig, error) {
	cfg := Default()

	var err error
	switch format {
	case FormatYAML:
		err = decodeYAML(data, cfg, filename)
	case FormatJSON:
		err = decodeJSON(data, cfg, filename)
	case FormatCUE:
		err = l.decodeCUE(data, cfg, filename)
	default:
		err = fmt.Errorf("unsupported configuration format %q", format)
	}
	if err != nil {
		return nil, err
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *StationConfig, filename string) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return ValidationErrors{{File: filename, Message: err.Error()}}
	}
	return nil
}

func decodeJSON(data []byte, cfg *StationConfig, filename string) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return ValidationErrors{{File: filename, Message: err.Error()}}
	}
	return nil
}

// decodeCUE unifies the source with the station schema, requires it to be
// concrete, and decodes it through its JSON form.
func (l *Loader) decodeCUE(data []byte, cfg *StationConfig, filename string) error {
	val := l.cue.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	val = l.schema.Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	out, err := val.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}
	return decodeJSON(out, cfg, filename)
}

// convertCUEErrors flattens CUE errors into ValidationErrors with positions.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// Validate checks cfg against its struct constraints.
func (l *Loader) Validate(cfg *StationConfig) error {
	err := l.validator.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate configuration: %w", err)
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    strings.TrimPrefix(fe.Namespace(), "StationConfig."),
			Message: describeFieldError(fe),
		})
	}
	return out
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gt", "gte", "lt", "lte", "max", "min":
		return fmt.Sprintf("failed %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
