package gostring

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-hook/internal/memory"
)

const (
	reqBase  = 0xc000100000
	dataBase = 0xc000200000
)

var (
	methodField = Field{Name: "method", Offset: 0, MaxLen: 20}
	uriField    = Field{Name: "uri", Offset: 192, MaxLen: 2048}
)

// countingReader records every address it is asked to read.
type countingReader struct {
	inner memory.Reader
	addrs []uint64
}

func (c *countingReader) Read(addr uint64, p []byte) error {
	c.addrs = append(c.addrs, addr)
	return c.inner.Read(addr, p)
}

func header(data uint64, n int64) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(b[0:], data)
	binary.LittleEndian.PutUint64(b[8:], uint64(n))
	return b
}

func newRequest(t *testing.T, methodHdr, uriHdr []byte) *memory.Sparse {
	t.Helper()
	s := memory.NewSparse()
	req := make([]byte, 256)
	copy(req[0:], methodHdr)
	copy(req[192:], uriHdr)
	require.NoError(t, s.Map(reqBase, req, memory.ProtRW))
	payload := make([]byte, 4096)
	copy(payload, "POST/health")
	require.NoError(t, s.Map(dataBase, payload, memory.ProtRW))
	return s
}

func TestDecode_Valid(t *testing.T) {
	s := newRequest(t, header(dataBase, 4), header(dataBase+4, 7))

	method, err := Decode(s, reqBase, methodField)
	require.NoError(t, err)
	assert.Equal(t, "POST", method)

	uri, err := Decode(s, reqBase, uriField)
	require.NoError(t, err)
	assert.Equal(t, "/health", uri)
}

func TestDecode_ZeroLengthNeverDereferences(t *testing.T) {
	s := newRequest(t, header(0xdead0000, 0), nil)
	r := &countingReader{inner: s}

	got, err := DecodeOr(r, reqBase, methodField, "GET")
	assert.Equal(t, "GET", got)

	var ue *UnreadableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ReasonEmpty, ue.Reason)
	assert.Equal(t, []uint64{reqBase}, r.addrs, "only the header may be read")
}

func TestDecode_NullDataPointer(t *testing.T) {
	for _, n := range []int64{1, 4, 20} {
		s := newRequest(t, header(0, n), nil)
		r := &countingReader{inner: s}

		got, err := DecodeOr(r, reqBase, methodField, "GET")
		assert.Equal(t, "GET", got)
		assert.ErrorIs(t, err, ErrUnreadable)
		assert.Len(t, r.addrs, 1)
	}
}

func TestDecode_OverBound(t *testing.T) {
	s := newRequest(t, header(dataBase, 21), header(dataBase, 2049))
	r := &countingReader{inner: s}

	got, err := DecodeOr(r, reqBase, methodField, "GET")
	assert.Equal(t, "GET", got)
	var ue *UnreadableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ReasonTooLong, ue.Reason)

	got, err = DecodeOr(r, reqBase, uriField, "/")
	assert.Equal(t, "/", got)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Len(t, r.addrs, 2)
}

func TestDecode_NegativeLength(t *testing.T) {
	s := newRequest(t, header(dataBase, -1), nil)
	_, err := Decode(s, reqBase, methodField)
	var ue *UnreadableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ReasonNegative, ue.Reason)
}

func TestDecode_ExactLengthOnly(t *testing.T) {
	// "POST/health" is contiguous; a length of 4 must stop at "POST".
	s := newRequest(t, header(dataBase, 4), nil)
	got, err := Decode(s, reqBase, methodField)
	require.NoError(t, err)
	assert.Equal(t, "POST", got)
}

func TestDecode_NullBase(t *testing.T) {
	_, err := Decode(memory.NewSparse(), 0, methodField)
	var ue *UnreadableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ReasonNullBase, ue.Reason)
}

func TestDecode_UnmappedPayload(t *testing.T) {
	s := newRequest(t, header(0x10, 3), nil)
	_, err := Decode(s, reqBase, methodField)
	require.ErrorIs(t, err, ErrUnreadable)
	assert.True(t, errors.Is(err, memory.ErrUnmapped))
}

func TestUnreadableError_Message(t *testing.T) {
	err := &UnreadableError{Field: "uri", Reason: ReasonTooLong, Desc: Descriptor{Len: 5000}}
	assert.Equal(t, "uri: length exceeds bound (len=5000)", err.Error())
}
