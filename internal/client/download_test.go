package client

import (
	"context"
	"hash/crc32"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemirror/cachemirror/internal/container"
	"github.com/cachemirror/cachemirror/internal/protocol"
	"github.com/cachemirror/cachemirror/internal/store"
	"github.com/cachemirror/cachemirror/pkg/types"
)

// memStorage records staged writes; load and save are not exercised by
// the client.
type memStorage struct {
	mu     sync.Mutex
	staged map[fileKey][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{staged: make(map[fileKey][]byte)}
}

func (m *memStorage) Load(*store.Store) error { return nil }
func (m *memStorage) Save(*store.Store) error { return nil }

func (m *memStorage) Write(index, archive int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged[fileKey{index, archive}] = data
	return nil
}

func (m *memStorage) Read(index, archive int) ([]byte, error) {
	return nil, types.ErrUnsupported
}

// remoteIndex assembles the server-side blobs for one index: the metadata
// container under (255, id) and one container per archive, and returns
// the master-index record advertising it.
func remoteIndex(t *testing.T, blobs map[fileKey][]byte, id, revision int, payloads map[int][]byte) types.IndexInfo {
	t.Helper()

	indexData := store.IndexData{Protocol: 6, Revision: revision}
	for archiveID, payload := range payloads {
		blob, crc, err := container.Compress(container.CompressionNone, -1, payload)
		require.NoError(t, err)
		blobs[fileKey{id, archiveID}] = blob
		indexData.Archives = append(indexData.Archives, store.ArchiveData{
			ID:       archiveID,
			CRC:      crc,
			Revision: revision,
			Files:    []store.FileData{{ID: 0}},
		})
	}

	metaBlob, metaCRC, err := container.Compress(container.CompressionGzip, -1, indexData.Marshal())
	require.NoError(t, err)
	blobs[fileKey{types.MasterIndex, id}] = metaBlob

	return types.IndexInfo{ID: id, CRC: metaCRC, Revision: revision}
}

func TestDownloadFetchesAndStagesEverything(t *testing.T) {
	blobs := make(map[fileKey][]byte)
	info := remoteIndex(t, blobs, 0, 3, map[int][]byte{
		0: []byte("first archive"),
		1: []byte("second archive"),
	})
	blobs[fileKey{types.MasterIndex, types.MasterIndex}] = masterIndexBlob(t, []types.IndexInfo{info})

	s := newFakeServer(t, protocol.ResponseOK, blobs)
	host, port := s.hostPort()

	storage := newMemStorage()
	st := store.NewStore(storage)
	c := New(st, host, port, 210, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })

	status, err := c.Handshake()
	require.NoError(t, err)
	require.Equal(t, byte(protocol.ResponseOK), status)

	require.NoError(t, c.Download())

	idx := st.FindIndex(0)
	require.NotNil(t, idx)
	assert.Equal(t, 3, idx.Revision)
	assert.Equal(t, container.CompressionGzip, idx.Compression)
	assert.Len(t, idx.Archives(), 2)

	// Both archives staged with the exact bytes served, and every staged
	// byte string passed the checksum gate.
	require.Len(t, storage.staged, 2)
	for key, data := range storage.staged {
		assert.Equal(t, blobs[key], data)
		a := idx.Archive(key.archive)
		require.NotNil(t, a)
		assert.Equal(t, a.CRC, int32(crc32.ChecksumIEEE(data)))
	}
}

func TestDownloadSkipsUpToDateArchives(t *testing.T) {
	blobs := make(map[fileKey][]byte)
	info := remoteIndex(t, blobs, 0, 3, map[int][]byte{0: []byte("unchanged")})
	blobs[fileKey{types.MasterIndex, types.MasterIndex}] = masterIndexBlob(t, []types.IndexInfo{info})

	// The leaf archive is served but must never be requested.
	leaf := blobs[fileKey{0, 0}]
	leafCRC := int32(crc32.ChecksumIEEE(leaf))

	s := newFakeServer(t, protocol.ResponseOK, blobs)
	host, port := s.hostPort()

	storage := newMemStorage()
	st := store.NewStore(storage)

	// Seed the tree as if a previous run had mirrored this state.
	idx := st.AddIndex(0)
	idx.Revision = 2 // stale index revision; the archive itself is current
	a := idx.AddArchive(0)
	a.CRC = leafCRC
	a.Revision = 3
	a.Files = []store.FileData{{ID: 0}}

	c := New(st, host, port, 210, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	_, err := c.Handshake()
	require.NoError(t, err)

	require.NoError(t, c.Download())
	assert.Empty(t, storage.staged)
}

func TestDownloadRemovesUnusedIndexes(t *testing.T) {
	blobs := make(map[fileKey][]byte)
	info := remoteIndex(t, blobs, 0, 1, map[int][]byte{0: []byte("live")})

	// The master list still advertises index 16, but no metadata blob is
	// registered for it: requesting it would fail the test.
	master := []types.IndexInfo{info}
	for len(master) < 17 {
		master = append(master, types.IndexInfo{ID: len(master)})
	}
	master[16] = types.IndexInfo{ID: 16, CRC: 99, Revision: 1}
	for i := 1; i < 16; i++ {
		master[i] = remoteIndex(t, blobs, i, 1, map[int][]byte{0: []byte{byte(i)}})
	}
	blobs[fileKey{types.MasterIndex, types.MasterIndex}] = masterIndexBlob(t, master)

	s := newFakeServer(t, protocol.ResponseOK, blobs)
	host, port := s.hostPort()

	storage := newMemStorage()
	st := store.NewStore(storage)
	st.AddIndex(16)

	c := New(st, host, port, 210, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	_, err := c.Handshake()
	require.NoError(t, err)

	require.NoError(t, c.Download())
	assert.Nil(t, st.FindIndex(16))
}

func TestDownloadCRCMismatchFailsRun(t *testing.T) {
	blobs := make(map[fileKey][]byte)
	info := remoteIndex(t, blobs, 0, 1, map[int][]byte{0: []byte("good bytes")})

	// Corrupt the served archive body after the index advertised its crc.
	corrupted := append([]byte(nil), blobs[fileKey{0, 0}]...)
	corrupted[len(corrupted)-1] ^= 0xFF
	blobs[fileKey{0, 0}] = corrupted

	blobs[fileKey{types.MasterIndex, types.MasterIndex}] = masterIndexBlob(t, []types.IndexInfo{info})

	s := newFakeServer(t, protocol.ResponseOK, blobs)
	host, port := s.hostPort()

	storage := newMemStorage()
	st := store.NewStore(storage)
	c := New(st, host, port, 210, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	_, err := c.Handshake()
	require.NoError(t, err)

	err = c.Download()
	assert.ErrorIs(t, err, types.ErrIntegrity)
	assert.Empty(t, storage.staged)
}
