// Package container implements the compression envelope wrapped around
// every cache blob: a one-byte compression type, the compressed length,
// the payload, and an optional two-byte revision trailer.
//
// Compression must be byte-stable: compressing the same payload with the
// same compression type always yields the same bytes. Master-index
// deduplication compares checksums of re-compressed metadata against
// upstream checksums, so a codec that drifts by a single byte breaks it.
package container

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	dbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
)

// Compression types as they appear on the wire.
const (
	CompressionNone  byte = 0
	CompressionBzip2 byte = 1
	CompressionGzip  byte = 2
)

// bzip2 payloads are stored headerless; the fixed stream header is
// re-attached before decompression and stripped after compression.
var bzip2Header = []byte{'B', 'Z', 'h', '1'}

// Container is a decoded envelope: the decompressed payload plus the
// attributes of the compressed image it came from.
type Container struct {
	Compression byte
	Revision    int // -1 when the envelope carries no trailer
	Data        []byte
	CRC         int32
}

// Decompress decodes blob. The returned Container carries the payload,
// the declared compression, the CRC-32 of the compressed image (trailer
// excluded), and the trailer revision, or -1 if absent.
func Decompress(blob []byte) (*Container, error) {
	if len(blob) < 5 {
		return nil, fmt.Errorf("container too short: %d bytes", len(blob))
	}

	compression := blob[0]
	length := int(int32(binary.BigEndian.Uint32(blob[1:5])))
	if length < 0 {
		return nil, fmt.Errorf("container declares negative length %d", length)
	}

	// The length word counts every byte that follows it, so it matches
	// the size field of the archive-response wire header verbatim.
	end := 5 + length
	if end > len(blob) {
		return nil, fmt.Errorf("container truncated: need %d bytes, have %d", end, len(blob))
	}

	var data []byte
	switch compression {
	case CompressionNone:
		data = append([]byte(nil), blob[5:end]...)

	case CompressionBzip2, CompressionGzip:
		if length < 4 {
			return nil, fmt.Errorf("compressed container declares only %d bytes", length)
		}
		declared := int(int32(binary.BigEndian.Uint32(blob[5:9])))
		var err error
		data, err = inflate(compression, blob[9:end])
		if err != nil {
			return nil, err
		}
		if len(data) != declared {
			return nil, fmt.Errorf("container declares %d decompressed bytes, got %d", declared, len(data))
		}

	default:
		return nil, fmt.Errorf("unknown compression type %d", compression)
	}

	revision := -1
	if len(blob)-end >= 2 {
		revision = int(binary.BigEndian.Uint16(blob[end : end+2]))
	}

	return &Container{
		Compression: compression,
		Revision:    revision,
		Data:        data,
		CRC:         int32(crc32.ChecksumIEEE(blob[:end])),
	}, nil
}

// Compress encodes data into an envelope of the given compression type.
// revision -1 omits the trailer. The returned CRC covers the compressed
// image before the trailer, matching what Decompress reports.
func Compress(compression byte, revision int, data []byte) (blob []byte, crc int32, err error) {
	var buf bytes.Buffer
	buf.WriteByte(compression)

	switch compression {
	case CompressionNone:
		binary.Write(&buf, binary.BigEndian, int32(len(data)))
		buf.Write(data)

	case CompressionBzip2, CompressionGzip:
		compressed, err := deflate(compression, data)
		if err != nil {
			return nil, 0, err
		}
		binary.Write(&buf, binary.BigEndian, int32(len(compressed)+4))
		binary.Write(&buf, binary.BigEndian, int32(len(data)))
		buf.Write(compressed)

	default:
		return nil, 0, fmt.Errorf("unknown compression type %d", compression)
	}

	crc = int32(crc32.ChecksumIEEE(buf.Bytes()))

	if revision != -1 {
		binary.Write(&buf, binary.BigEndian, uint16(revision))
	}

	return buf.Bytes(), crc, nil
}

func inflate(compression byte, compressed []byte) ([]byte, error) {
	switch compression {
	case CompressionBzip2:
		stream := make([]byte, 0, len(bzip2Header)+len(compressed))
		stream = append(stream, bzip2Header...)
		stream = append(stream, compressed...)
		data, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(stream)))
		if err != nil {
			return nil, fmt.Errorf("bzip2 decompress: %w", err)
		}
		return data, nil

	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		data, err := io.ReadAll(r)
		if cerr := r.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("unknown compression type %d", compression)
}

func deflate(compression byte, data []byte) ([]byte, error) {
	switch compression {
	case CompressionBzip2:
		var buf bytes.Buffer
		w, err := dbzip2.NewWriter(&buf, &dbzip2.WriterConfig{Level: 1})
		if err != nil {
			return nil, fmt.Errorf("bzip2 compress: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("bzip2 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("bzip2 compress: %w", err)
		}
		compressed := buf.Bytes()
		if !bytes.HasPrefix(compressed, bzip2Header) {
			return nil, fmt.Errorf("bzip2 stream missing %q header", bzip2Header)
		}
		return compressed[len(bzip2Header):], nil

	case CompressionGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown compression type %d", compression)
}
