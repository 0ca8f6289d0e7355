// Package contract implements the x86 contract blob format.
//
// A transaction carries a single flat byte field, so code, data and options
// are packed behind a fixed header of four little-endian uint32 values:
//
//	offset 0  : optionsSize
//	offset 4  : codeSize
//	offset 8  : dataSize
//	offset 12 : reserved
//	offset 16 : options, then code, then data
//
// The header layout is CONSENSUS-CRITICAL. Fields must never be added,
// removed, reordered or resized.
package contract

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/x86vm/internal/types"
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 16

// Parse errors.
var (
	ErrTruncated          = errors.New("contract blob shorter than header")
	ErrSegmentOverflow    = errors.New("contract segments exceed blob length")
	ErrUnsupportedOptions = errors.New("contract options are not supported")
)

// Header is the fixed prefix of a contract blob.
type Header struct {
	OptionsSize uint32
	CodeSize    uint32
	DataSize    uint32
	Reserved    uint32
}

// DecodeHeader reads a Header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	return Header{
		OptionsSize: binary.LittleEndian.Uint32(b[0:4]),
		CodeSize:    binary.LittleEndian.Uint32(b[4:8]),
		DataSize:    binary.LittleEndian.Uint32(b[8:12]),
		Reserved:    binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// Encode returns the wire form of the header.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.OptionsSize)
	binary.LittleEndian.PutUint32(b[4:8], h.CodeSize)
	binary.LittleEndian.PutUint32(b[8:12], h.DataSize)
	binary.LittleEndian.PutUint32(b[12:16], h.Reserved)
	return b
}

// PayloadSize returns the number of bytes the header declares after itself.
// Computed in 64 bits so the sum of three uint32 sizes cannot wrap.
func (h Header) PayloadSize() uint64 {
	return uint64(h.OptionsSize) + uint64(h.CodeSize) + uint64(h.DataSize)
}

// Contract is a parsed blob. Segments alias the blob they were parsed from.
type Contract struct {
	Header  Header
	Options []byte
	Code    []byte
	Data    []byte
}

// Parse slices a blob into its segments.
//
// Bytes after the data segment are permitted and ignored.
func Parse(blob []byte) (*Contract, error) {
	h, err := DecodeHeader(blob)
	if err != nil {
		return nil, err
	}

	remaining := uint64(len(blob) - HeaderSize)
	if h.PayloadSize() > remaining {
		return nil, fmt.Errorf("%w: header declares %d bytes, %d available",
			ErrSegmentOverflow, h.PayloadSize(), remaining)
	}

	if h.OptionsSize != 0 {
		return nil, fmt.Errorf("%w: optionsSize=%d", ErrUnsupportedOptions, h.OptionsSize)
	}

	codeStart := uint64(HeaderSize) + uint64(h.OptionsSize)
	dataStart := codeStart + uint64(h.CodeSize)
	dataEnd := dataStart + uint64(h.DataSize)

	return &Contract{
		Header:  h,
		Options: blob[HeaderSize:codeStart:codeStart],
		Code:    blob[codeStart:dataStart:dataStart],
		Data:    blob[dataStart:dataEnd:dataEnd],
	}, nil
}

// Build assembles a blob from code and data with an empty options segment.
func Build(code, data []byte) []byte {
	h := Header{
		CodeSize: uint32(len(code)),
		DataSize: uint32(len(data)),
	}
	blob := make([]byte, 0, HeaderSize+len(code)+len(data))
	blob = append(blob, h.Encode()...)
	blob = append(blob, code...)
	blob = append(blob, data...)
	return blob
}

// Hash returns the Keccak-256 identity of a blob.
func Hash(blob []byte) types.Hash {
	return types.Keccak256(blob)
}
