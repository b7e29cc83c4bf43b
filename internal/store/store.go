// Package store holds the transient in-memory cache tree rebuilt on every
// update run: a Store of Index records, each listing its Archive
// descriptors. The tree mirrors what the index metadata blobs declare; the
// archive payloads themselves stay in the storage backend.
package store

// Storage persists and rehydrates the cache tree. The backend decides
// where index metadata and archive bytes live.
type Storage interface {
	// Load populates s from the backend's current snapshot.
	Load(s *Store) error

	// Save persists s into the backend's current snapshot.
	Save(s *Store) error

	// Write stages the compressed bytes of one downloaded archive.
	Write(index, archive int, data []byte) error

	// Read returns the compressed bytes of one archive, when the backend
	// supports random access.
	Read(index, archive int) ([]byte, error)
}

// Store is the root of the cache tree.
type Store struct {
	storage Storage
	indexes []*Index
}

// NewStore creates an empty tree bound to storage.
func NewStore(storage Storage) *Store {
	return &Store{storage: storage}
}

// Storage returns the backend the tree is bound to.
func (s *Store) Storage() Storage {
	return s.storage
}

// Load rehydrates the tree from the backend.
func (s *Store) Load() error {
	return s.storage.Load(s)
}

// Save persists the tree into the backend.
func (s *Store) Save() error {
	return s.storage.Save(s)
}

// AddIndex appends a new empty index with the given id and returns it.
func (s *Store) AddIndex(id int) *Index {
	idx := &Index{ID: id}
	s.indexes = append(s.indexes, idx)
	return idx
}

// FindIndex returns the index with the given id, or nil.
func (s *Store) FindIndex(id int) *Index {
	for _, idx := range s.indexes {
		if idx.ID == id {
			return idx
		}
	}
	return nil
}

// RemoveIndex removes idx from the tree. It reports whether idx was
// present.
func (s *Store) RemoveIndex(idx *Index) bool {
	for i, have := range s.indexes {
		if have == idx {
			s.indexes = append(s.indexes[:i], s.indexes[i+1:]...)
			return true
		}
	}
	return false
}

// Indexes returns the indexes in insertion order. The returned slice is
// the tree's own; callers must not mutate it.
func (s *Store) Indexes() []*Index {
	return s.indexes
}

// Index is one logical grouping of archives, with the settings its
// metadata blob declares.
type Index struct {
	ID          int
	Protocol    int
	Named       bool
	Sized       bool
	CRC         int32
	Revision    int
	Compression byte

	archives []*Archive
}

// AddArchive appends a new archive with the given id and returns it.
func (i *Index) AddArchive(id int) *Archive {
	a := &Archive{IndexID: i.ID, ID: id}
	i.archives = append(i.archives, a)
	return a
}

// Archive returns the archive with the given id, or nil.
func (i *Index) Archive(id int) *Archive {
	for _, a := range i.archives {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// RemoveArchive removes a from the index. It reports whether a was
// present.
func (i *Index) RemoveArchive(a *Archive) bool {
	for n, have := range i.archives {
		if have == a {
			i.archives = append(i.archives[:n], i.archives[n+1:]...)
			return true
		}
	}
	return false
}

// Archives returns the archives in insertion order. The returned slice is
// the index's own; callers must not mutate it.
func (i *Index) Archives() []*Archive {
	return i.archives
}

// ToIndexData re-serializes the index settings and archive list into the
// metadata record form.
func (i *Index) ToIndexData() *IndexData {
	data := &IndexData{
		Protocol: i.Protocol,
		Revision: i.Revision,
		Named:    i.Named,
		Sized:    i.Sized,
		Archives: make([]ArchiveData, len(i.archives)),
	}
	for n, a := range i.archives {
		data.Archives[n] = ArchiveData{
			ID:               a.ID,
			NameHash:         a.NameHash,
			CRC:              a.CRC,
			CompressedSize:   a.CompressedSize,
			DecompressedSize: a.DecompressedSize,
			Revision:         a.Revision,
			Files:            a.Files,
		}
	}
	return data
}

// Archive is one leaf archive descriptor inside an index. IndexID is the
// owning index; the tree carries no parent pointers.
type Archive struct {
	IndexID          int
	ID               int
	NameHash         int32
	CRC              int32
	Revision         int
	CompressedSize   int
	DecompressedSize int
	Files            []FileData
}

// FileData identifies one file inside an archive. File contents are not
// tracked here; they live inside the archive payload.
type FileData struct {
	ID       int
	NameHash int32
}
