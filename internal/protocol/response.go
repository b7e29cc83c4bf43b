package protocol

import (
	"fmt"
	"io"
)

// Response is one reassembled archive response: the request key and the
// complete container image (compression byte, length word, payload).
type Response struct {
	Index   int
	Archive int
	Blob    []byte
}

// ReadResponse reassembles the next archive response from r.
//
// The response opens with an 8-byte header (index, archive, compression
// type, remaining container size). The container's own 5-byte prefix is
// reconstructed from the header; the remaining bytes arrive in 512-byte
// frames, every frame after the first opening with a continuation marker
// that is stripped here.
func ReadResponse(r io.Reader) (*Response, error) {
	var header [responseHeader]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	index := int(header[0])
	archive := int(header[1])<<8 | int(header[2])
	compression := header[3]
	size := int(uint32(header[4])<<24 | uint32(header[5])<<16 | uint32(header[6])<<8 | uint32(header[7]))

	blob := make([]byte, 5+size)
	blob[0] = compression
	copy(blob[1:5], header[4:8])

	filled := 5
	chunk := FirstFramePayload
	for filled < len(blob) {
		if n := len(blob) - filled; n < chunk {
			chunk = n
		}
		if _, err := io.ReadFull(r, blob[filled:filled+chunk]); err != nil {
			return nil, err
		}
		filled += chunk

		if filled < len(blob) {
			var marker [1]byte
			if _, err := io.ReadFull(r, marker[:]); err != nil {
				return nil, err
			}
			if marker[0] != continuationByte {
				return nil, fmt.Errorf("bad continuation marker %#x for %d/%d", marker[0], index, archive)
			}
			chunk = NextFramePayload
		}
	}

	return &Response{Index: index, Archive: archive, Blob: blob}, nil
}
