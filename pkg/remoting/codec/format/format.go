package format

import (
	"strings"
)

const (
	unknown uint8 = iota
	_ // reserved, was FlatBuffer
	protoBuffer
	json
)

var (
	_protoBuffer = Format{protoBuffer}
	_json        = Format{json}
	_unknown     = Format{unknown}
)

// Format is enumeration of Frame.headerFmt
type Format struct {
	code uint8
}

// NewFormat new a format with code
func NewFormat(code uint8) Format {
	switch code {
	case protoBuffer:
		return _protoBuffer
	case json:
		return _json
	default:
		return _unknown
	}
}

// Parse returns the format named s (case-insensitive), or Unknown.
func Parse(s string) Format {
	switch strings.ToLower(s) {
	case "protobuffer", "protobuf", "proto":
		return _protoBuffer
	case "json":
		return _json
	default:
		return _unknown
	}
}

// String implements fmt.Stringer
func (f Format) String() string {
	switch f.code {
	case protoBuffer:
		return "ProtoBuffer"
	case json:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Code returns the format code
func (f Format) Code() uint8 {
	return f.code
}

// Valid reports whether f is a known format
func (f Format) Valid() bool {
	return f.code != unknown
}

// ProtoBuffer serializes and deserializes the header as a "google.golang.org/protobuf/types/known/structpb" Struct
func ProtoBuffer() Format {
	return _protoBuffer
}

// JSON serializes and deserializes the header using "github.com/json-iterator/go"
func JSON() Format {
	return _json
}

// Default returns the default format
func Default() Format {
	return _json
}
