// Package gostring reads Go string headers out of target memory.
//
// A Go string is a two-word header {data *byte, len int}. The decoder never
// trusts the length: it is checked against a per-field bound before a single
// byte of the payload is read, and a null data pointer is never followed.
package gostring

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coral-mesh/coral-hook/internal/memory"
)

// HeaderSize is the size of a string header on 64-bit targets.
const HeaderSize = 16

// Descriptor is a raw string header.
type Descriptor struct {
	Data uint64
	Len  int64
}

// Reason says why a string could not be decoded.
type Reason string

const (
	ReasonNullBase    Reason = "null base pointer"
	ReasonHeader      Reason = "header unreadable"
	ReasonEmpty       Reason = "zero length"
	ReasonNegative    Reason = "negative length"
	ReasonTooLong     Reason = "length exceeds bound"
	ReasonNullData    Reason = "null data pointer"
	ReasonPayload     Reason = "payload unreadable"
	ReasonOutOfBounds Reason = "offset out of range"
)

// ErrUnreadable is matched by every *UnreadableError.
var ErrUnreadable = errors.New("string unreadable")

// UnreadableError describes a failed decode.
type UnreadableError struct {
	Field  string
	Reason Reason
	Desc   Descriptor
	Err    error
}

func (e *UnreadableError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Field, e.Reason)
	if e.Reason == ReasonTooLong || e.Reason == ReasonNegative {
		msg += fmt.Sprintf(" (len=%d)", e.Desc.Len)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnreadableError) Is(target error) bool { return target == ErrUnreadable }

func (e *UnreadableError) Unwrap() error { return e.Err }

// Field locates one string header inside a structure.
type Field struct {
	Name   string
	Offset uint64
	// MaxLen is the largest accepted length. Zero rejects every non-empty
	// string, so it must be configured.
	MaxLen int64
}

// ReadDescriptor reads the header at base+offset.
func ReadDescriptor(r memory.Reader, base uint64, f Field) (Descriptor, error) {
	if base == 0 {
		return Descriptor{}, &UnreadableError{Field: f.Name, Reason: ReasonNullBase}
	}
	addr := base + f.Offset
	if addr < base {
		return Descriptor{}, &UnreadableError{Field: f.Name, Reason: ReasonOutOfBounds}
	}

	var hdr [HeaderSize]byte
	if err := r.Read(addr, hdr[:]); err != nil {
		return Descriptor{}, &UnreadableError{Field: f.Name, Reason: ReasonHeader, Err: err}
	}
	return Descriptor{
		Data: binary.LittleEndian.Uint64(hdr[0:8]),
		Len:  int64(binary.LittleEndian.Uint64(hdr[8:16])), //nolint:gosec // sign is checked by Decode
	}, nil
}

// Check validates a descriptor against a field's bound without reading the
// payload.
func Check(d Descriptor, f Field) error {
	switch {
	case d.Len == 0:
		return &UnreadableError{Field: f.Name, Reason: ReasonEmpty, Desc: d}
	case d.Len < 0:
		return &UnreadableError{Field: f.Name, Reason: ReasonNegative, Desc: d}
	case d.Len > f.MaxLen:
		return &UnreadableError{Field: f.Name, Reason: ReasonTooLong, Desc: d}
	case d.Data == 0:
		return &UnreadableError{Field: f.Name, Reason: ReasonNullData, Desc: d}
	}
	return nil
}

// Materialize reads exactly d.Len bytes. The descriptor must have passed Check.
func Materialize(r memory.Reader, d Descriptor, f Field) (string, error) {
	if err := Check(d, f); err != nil {
		return "", err
	}
	buf := make([]byte, d.Len)
	if err := r.Read(d.Data, buf); err != nil {
		return "", &UnreadableError{Field: f.Name, Reason: ReasonPayload, Desc: d, Err: err}
	}
	return string(buf), nil
}

// Decode reads the string header at base+f.Offset and returns its value.
func Decode(r memory.Reader, base uint64, f Field) (string, error) {
	d, err := ReadDescriptor(r, base, f)
	if err != nil {
		return "", err
	}
	return Materialize(r, d, f)
}

// DecodeOr is Decode with a fallback value on any failure. The error is
// still returned so the caller can log it.
func DecodeOr(r memory.Reader, base uint64, f Field, def string) (string, error) {
	s, err := Decode(r, base, f)
	if err != nil {
		return def, err
	}
	return s, nil
}
