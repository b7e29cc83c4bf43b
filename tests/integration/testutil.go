// Package integration exercises complete update runs against an
// in-process fake update server and a real SQLite database.
package integration

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachemirror/cachemirror/internal/container"
	"github.com/cachemirror/cachemirror/internal/protocol"
	"github.com/cachemirror/cachemirror/internal/store"
	"github.com/cachemirror/cachemirror/pkg/types"
)

type fileKey struct {
	index   int
	archive int
}

// remoteArchive is one archive of the fake server's world.
type remoteArchive struct {
	id       int
	revision int
	payload  []byte
}

// upstream is a fake update server. Its world can be swapped between
// runs; each update run uses one connection.
type upstream struct {
	t  *testing.T
	ln net.Listener

	mu     sync.Mutex
	status byte
	blobs  map[fileKey][]byte

	wg sync.WaitGroup
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	u := &upstream{t: t, ln: ln, status: protocol.ResponseOK, blobs: map[fileKey][]byte{}}
	u.wg.Add(1)
	go u.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		u.wg.Wait()
	})
	return u
}

func (u *upstream) hostPort() (string, int) {
	addr := u.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (u *upstream) setStatus(status byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
}

// setWorld installs a new remote state: one metadata blob per index, one
// blob per archive, and the master index listing them all.
func (u *upstream) setWorld(t *testing.T, revision int, indexes map[int][]remoteArchive) {
	t.Helper()

	blobs := make(map[fileKey][]byte)

	maxIndex := -1
	for id := range indexes {
		if id > maxIndex {
			maxIndex = id
		}
	}

	records := make([]byte, 8*(maxIndex+1))
	for id, archives := range indexes {
		indexData := store.IndexData{Protocol: 6, Revision: revision}
		for _, a := range archives {
			blob, crc, err := container.Compress(container.CompressionNone, -1, a.payload)
			require.NoError(t, err)
			blobs[fileKey{id, a.id}] = blob
			indexData.Archives = append(indexData.Archives, store.ArchiveData{
				ID:       a.id,
				CRC:      crc,
				Revision: a.revision,
				Files:    []store.FileData{{ID: 0}},
			})
		}

		metaBlob, metaCRC, err := container.Compress(container.CompressionGzip, -1, indexData.Marshal())
		require.NoError(t, err)
		blobs[fileKey{types.MasterIndex, id}] = metaBlob

		binary.BigEndian.PutUint32(records[8*id:], uint32(metaCRC))
		binary.BigEndian.PutUint32(records[8*id+4:], uint32(revision))
	}

	masterBlob, _, err := container.Compress(container.CompressionNone, -1, records)
	require.NoError(t, err)
	blobs[fileKey{types.MasterIndex, types.MasterIndex}] = masterBlob

	u.mu.Lock()
	defer u.mu.Unlock()
	u.blobs = blobs
}

// corruptBlob flips a byte in the served body of one file without
// touching the checksums advertised for it.
func (u *upstream) corruptBlob(index, archive int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	blob := append([]byte(nil), u.blobs[fileKey{index, archive}]...)
	blob[len(blob)-1] ^= 0xFF
	u.blobs[fileKey{index, archive}] = blob
}

func (u *upstream) acceptLoop() {
	defer u.wg.Done()
	for {
		conn, err := u.ln.Accept()
		if err != nil {
			return
		}
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.handle(conn)
		}()
	}
}

func (u *upstream) handle(conn net.Conn) {
	defer conn.Close()

	hello := make([]byte, 21)
	if _, err := io.ReadFull(conn, hello); err != nil {
		return
	}

	u.mu.Lock()
	status := u.status
	u.mu.Unlock()

	if _, err := conn.Write([]byte{status}); err != nil {
		return
	}
	if status != protocol.ResponseOK {
		return
	}

	prelude := make([]byte, 16)
	if _, err := io.ReadFull(conn, prelude); err != nil {
		return
	}

	req := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		index := int(req[1])
		archive := int(binary.BigEndian.Uint16(req[2:]))

		u.mu.Lock()
		blob, ok := u.blobs[fileKey{index, archive}]
		u.mu.Unlock()
		if !ok {
			u.t.Errorf("upstream: no blob registered for %d/%d", index, archive)
			return
		}
		if _, err := conn.Write(frameResponse(index, archive, blob)); err != nil {
			return
		}
	}
}

// frameResponse transports blob the way the server does: an 8-byte
// header carrying the container prefix, then the remaining bytes in
// 512-byte frames with continuation markers.
func frameResponse(index, archive int, blob []byte) []byte {
	out := make([]byte, 0, len(blob)+len(blob)/protocol.FrameSize+8)
	out = append(out, byte(index), byte(archive>>8), byte(archive))
	out = append(out, blob[0])
	out = append(out, blob[1:5]...)

	rest := blob[5:]
	chunk := protocol.FirstFramePayload
	for len(rest) > 0 {
		if chunk > len(rest) {
			chunk = len(rest)
		}
		out = append(out, rest[:chunk]...)
		rest = rest[chunk:]
		if len(rest) > 0 {
			out = append(out, 0xFF)
			chunk = protocol.NextFramePayload
		}
	}
	return out
}
