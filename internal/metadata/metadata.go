// Package metadata parses the metadata.txt sidecar stored next to a dataset
// into per-position acquisition records.
package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/n5stream/n5stream/pkg/errors"
)

// Acquisition is the structured content of a sidecar.
type Acquisition struct {
	// Format names the parser that produced the record.
	Format     string         `json:"format"`
	Summary    Summary        `json:"summary"`
	Positions  []Position     `json:"positions,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Summary holds acquisition-wide settings.
type Summary struct {
	Prefix       string   `json:"prefix,omitempty"`
	Version      string   `json:"version,omitempty"`
	StartTime    string   `json:"start_time,omitempty"`
	PixelType    string   `json:"pixel_type,omitempty"`
	Width        int      `json:"width,omitempty"`
	Height       int      `json:"height,omitempty"`
	Frames       int      `json:"frames,omitempty"`
	Channels     int      `json:"channels,omitempty"`
	Slices       int      `json:"slices,omitempty"`
	Positions    int      `json:"positions,omitempty"`
	ChannelNames []string `json:"channel_names,omitempty"`
}

// Position is one stage position and the planes recorded there.
type Position struct {
	Name   string  `json:"name"`
	Index  int     `json:"index"`
	Planes []Plane `json:"planes"`
}

// Plane is one recorded image plane.
type Plane struct {
	T         int     `json:"t"`
	C         int     `json:"c"`
	Z         int     `json:"z"`
	Channel   string  `json:"channel,omitempty"`
	ElapsedMs float64 `json:"elapsed_ms"`
	Time      string  `json:"time,omitempty"`
	StageX    float64 `json:"stage_x_um"`
	StageY    float64 `json:"stage_y_um"`
	StageZ    float64 `json:"stage_z_um"`
}

// Parser turns a raw sidecar into an Acquisition.
type Parser interface {
	Name() string
	// CanParse is a cheap check on the raw bytes.
	CanParse(raw []byte) bool
	Parse(raw []byte) (*Acquisition, error)
}

// DefaultParsers returns the built-in parsers, most specific first.
func DefaultParsers() []Parser {
	return []Parser{MicroManagerParser{}, GenericJSONParser{}}
}

// ParseWith tries parsers in order and returns the result of the first one
// that accepts raw. Failures are *FormatError.
func ParseWith(raw []byte, parsers ...Parser) (*Acquisition, error) {
	for _, p := range parsers {
		if !p.CanParse(raw) {
			continue
		}
		acq, err := p.Parse(raw)
		if err != nil {
			return nil, newFormatError(p.Name(), err)
		}
		acq.Format = p.Name()
		return acq, nil
	}
	return nil, newFormatError("", fmt.Errorf("no parser accepts the input"))
}

// FormatError reports a sidecar that could not be parsed. It is distinct
// from the I/O errors raised while fetching the sidecar.
type FormatError struct {
	Parser string
	Err    *errors.N5Error
}

func newFormatError(parser string, cause error) *FormatError {
	e := errors.Wrap(cause, errors.ErrCodeFormatInvalid, "metadata is not parseable").
		WithComponent("metadata")
	if parser != "" {
		e = e.WithContext("parser", parser)
	}
	return &FormatError{Parser: parser, Err: e}
}

func (e *FormatError) Error() string {
	if e.Parser == "" {
		return e.Err.Error()
	}
	return e.Parser + ": " + e.Err.Error()
}

func (e *FormatError) Unwrap() error { return e.Err }

// decodeObject reads a JSON object, tolerating comments and trailing commas.
func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(raw), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("metadata is not a JSON object")
	}
	return obj, nil
}

// looksLikeObject reports whether the first non-space byte opens an object.
func looksLikeObject(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// GenericJSONParser accepts any JSON object and keeps it as properties.
type GenericJSONParser struct{}

// Name implements Parser.
func (GenericJSONParser) Name() string { return "json" }

// CanParse implements Parser.
func (GenericJSONParser) CanParse(raw []byte) bool { return looksLikeObject(raw) }

// Parse implements Parser.
func (GenericJSONParser) Parse(raw []byte) (*Acquisition, error) {
	var props map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(raw), &props); err != nil {
		return nil, err
	}
	if props == nil {
		return nil, fmt.Errorf("metadata is not a JSON object")
	}
	return &Acquisition{Properties: props}, nil
}
