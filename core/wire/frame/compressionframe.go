// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import (
	"fmt"

	"github.com/DataDog/zstd"
)

// CompressMethod identifies the compression algorithm in a CompressionFrame.
type CompressMethod uint8

const (
	CompressNone CompressMethod = 0
	CompressZstd CompressMethod = 1
)

// CompressionFrame wraps compressed bytes; it is inserted into a FrameSet
// between the (optional) encryption frame and the payload frames it
// covers (spec.md §4.3/§4.6).
type CompressionFrame struct {
	Method  CompressMethod
	Payload []byte // compressed bytes
}

func (f *CompressionFrame) Type() Type      { return FTCompress }
func (f *CompressionFrame) ValueLen() int   { return 1 + len(f.Payload) }
func (f *CompressionFrame) WireLen() int    { return HeaderLen + f.ValueLen() }
func (f *CompressionFrame) Equal(o Frame) bool { return wireLenEqual(f, o) }

func (f *CompressionFrame) Encode() []byte {
	buf := make([]byte, f.WireLen())
	copy(buf, encodeHeader(FTCompress, f.ValueLen()))
	val := buf[HeaderLen:]
	val[0] = byte(f.Method)
	copy(val[1:], f.Payload)
	return buf
}

func decodeCompression(val []byte) (*CompressionFrame, error) {
	if len(val) < 1 {
		return nil, &ErrInvalidFrame{Type: FTCompress, Reason: "too short"}
	}
	payload := make([]byte, len(val)-1)
	copy(payload, val[1:])
	return &CompressionFrame{Method: CompressMethod(val[0]), Payload: payload}, nil
}

// Compress compresses plaintext with method, returning a ready-to-insert
// CompressionFrame.
func Compress(method CompressMethod, plaintext []byte) (*CompressionFrame, error) {
	switch method {
	case CompressZstd:
		out, err := zstd.Compress(nil, plaintext)
		if err != nil {
			return nil, fmt.Errorf("frame: zstd compress: %w", err)
		}
		return &CompressionFrame{Method: CompressZstd, Payload: out}, nil
	default:
		return nil, fmt.Errorf("frame: unsupported compression method %d", method)
	}
}

// Decompress reverses Compress, returning the original plaintext.
func (f *CompressionFrame) Decompress() ([]byte, error) {
	switch f.Method {
	case CompressZstd:
		out, err := zstd.Decompress(nil, f.Payload)
		if err != nil {
			return nil, fmt.Errorf("frame: zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("frame: unsupported compression method %d", f.Method)
	}
}
