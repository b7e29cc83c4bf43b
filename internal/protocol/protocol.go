// Package protocol encodes and decodes the upstream update-server wire
// format: the 21-byte handshake, 4-byte archive requests and session
// commands, and archive responses framed in 512-byte blocks.
package protocol

import (
	"encoding/binary"
)

// Handshake request type byte for the update service.
const HandshakeTypeUpdate = 15

// ResponseOK is the only handshake status that allows file requests.
// Every other status means the advertised revision is out of date.
const ResponseOK = 0

// MaxRequests is the pipeline ceiling. The server drops the connection
// when more requests than this are outstanding.
const MaxRequests = 19

// Response framing sizes.
const (
	FrameSize        = 512
	responseHeader   = 8
	continuationByte = 0xFF

	// FirstFramePayload and NextFramePayload are the container bytes a
	// frame can carry: the first frame loses the response header, later
	// frames lose the continuation marker.
	FirstFramePayload = FrameSize - responseHeader
	NextFramePayload  = FrameSize - 1
)

// Handshake is the update-service hello: the client revision and four
// key words.
type Handshake struct {
	Revision int
	Key      [4]int32
}

// Encode returns the 21-byte handshake packet.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 21)
	buf[0] = HandshakeTypeUpdate
	binary.BigEndian.PutUint32(buf[1:], uint32(int32(h.Revision)))
	for i, k := range h.Key {
		binary.BigEndian.PutUint32(buf[5+4*i:], uint32(k))
	}
	return buf
}

// Archive request types.
const (
	requestPrefetch = 0
	requestUrgent   = 1
)

// ArchiveRequest asks the server for one archive.
type ArchiveRequest struct {
	Urgent  bool
	Index   int
	Archive int
}

// Encode returns the 4-byte request packet.
func (r ArchiveRequest) Encode() []byte {
	buf := make([]byte, 4)
	if r.Urgent {
		buf[0] = requestUrgent
	} else {
		buf[0] = requestPrefetch
	}
	buf[1] = byte(r.Index)
	binary.BigEndian.PutUint16(buf[2:], uint16(r.Archive))
	return buf
}

// Prelude returns the four fixed session commands sent immediately after
// an OK handshake: the encryption-key command followed by the client-info
// commands. Their values are dictated by the upstream server revision and
// are otherwise opaque.
func Prelude(encryptionKey byte) [][]byte {
	return [][]byte{
		{4, encryptionKey, 0, 0},
		{6, 0, 0, 3},
		{3, 0, 0, 0},
		{2, 0, 0, 0},
	}
}
