// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for on-disk records
// such as the session lifecycle journal. Encoding is Core
// Deterministic Encoding (RFC 8949 §4.2) so identical records always
// produce identical bytes.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Journal records are ordered by timestamp; microsecond precision
	// keeps bursts of transitions distinguishable.
	encOptions.Time = cbor.TimeUnixMicro
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// When the decode target is any, produce map[string]any rather
		// than the CBOR default map[any]any, which nothing downstream
		// can consume. Struct targets are unaffected, and unknown
		// fields are ignored for forward compatibility.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Alias so consumers import only
// lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, for delaying decode or
// pre-encoding output.
type RawMessage = cbor.RawMessage

// NewEncoder returns a stream encoder writing to w with the standard
// deterministic configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
