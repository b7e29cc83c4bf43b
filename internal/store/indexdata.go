package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Index metadata protocols. Protocol 6 adds the revision word, protocol 7
// switches counts and ids to the two-or-four-byte "big smart" encoding.
const (
	minProtocol = 5
	maxProtocol = 7
)

// Index metadata flag bits.
const (
	flagNamed = 0x1
	flagSized = 0x4
)

// IndexData is the decoded form of one index metadata blob: the index
// settings plus the descriptor of every archive it contains.
//
// Marshal and Load round-trip byte-identically. Index deduplication
// compares checksums of re-serialized metadata against upstream
// checksums and depends on this.
type IndexData struct {
	Protocol int
	Revision int
	Named    bool
	Sized    bool
	Archives []ArchiveData
}

// ArchiveData is the descriptor of one archive as declared by its index
// metadata.
type ArchiveData struct {
	ID               int
	NameHash         int32
	CRC              int32
	CompressedSize   int
	DecompressedSize int
	Revision         int
	Files            []FileData
}

// Load parses a decompressed index metadata blob.
func (d *IndexData) Load(data []byte) error {
	r := reader{data: data}

	protocol := int(r.uint8())
	if protocol < minProtocol || protocol > maxProtocol {
		return fmt.Errorf("unsupported index protocol %d", protocol)
	}
	d.Protocol = protocol

	d.Revision = 0
	if protocol >= 6 {
		d.Revision = int(r.int32())
	}

	flags := r.uint8()
	d.Named = flags&flagNamed != 0
	d.Sized = flags&flagSized != 0

	count := d.readSmart(&r)
	d.Archives = make([]ArchiveData, count)

	id := 0
	for i := range d.Archives {
		id += d.readSmart(&r)
		d.Archives[i].ID = id
	}

	if d.Named {
		for i := range d.Archives {
			d.Archives[i].NameHash = r.int32()
		}
	}

	for i := range d.Archives {
		d.Archives[i].CRC = r.int32()
	}

	if d.Sized {
		for i := range d.Archives {
			d.Archives[i].CompressedSize = int(r.int32())
			d.Archives[i].DecompressedSize = int(r.int32())
		}
	}

	for i := range d.Archives {
		d.Archives[i].Revision = int(r.int32())
	}

	fileCounts := make([]int, count)
	for i := range d.Archives {
		fileCounts[i] = d.readSmart(&r)
	}

	for i := range d.Archives {
		d.Archives[i].Files = make([]FileData, fileCounts[i])
		fileID := 0
		for f := range d.Archives[i].Files {
			fileID += d.readSmart(&r)
			d.Archives[i].Files[f].ID = fileID
		}
	}

	if d.Named {
		for i := range d.Archives {
			for f := range d.Archives[i].Files {
				d.Archives[i].Files[f].NameHash = r.int32()
			}
		}
	}

	if r.err != nil {
		return fmt.Errorf("index metadata truncated: %w", r.err)
	}
	return nil
}

// Marshal serializes the metadata back to blob form.
func (d *IndexData) Marshal() []byte {
	var w bytes.Buffer

	w.WriteByte(byte(d.Protocol))
	if d.Protocol >= 6 {
		binary.Write(&w, binary.BigEndian, int32(d.Revision))
	}

	var flags byte
	if d.Named {
		flags |= flagNamed
	}
	if d.Sized {
		flags |= flagSized
	}
	w.WriteByte(flags)

	d.writeSmart(&w, len(d.Archives))

	last := 0
	for _, a := range d.Archives {
		d.writeSmart(&w, a.ID-last)
		last = a.ID
	}

	if d.Named {
		for _, a := range d.Archives {
			binary.Write(&w, binary.BigEndian, a.NameHash)
		}
	}

	for _, a := range d.Archives {
		binary.Write(&w, binary.BigEndian, a.CRC)
	}

	if d.Sized {
		for _, a := range d.Archives {
			binary.Write(&w, binary.BigEndian, int32(a.CompressedSize))
			binary.Write(&w, binary.BigEndian, int32(a.DecompressedSize))
		}
	}

	for _, a := range d.Archives {
		binary.Write(&w, binary.BigEndian, int32(a.Revision))
	}

	for _, a := range d.Archives {
		d.writeSmart(&w, len(a.Files))
	}

	for _, a := range d.Archives {
		last := 0
		for _, f := range a.Files {
			d.writeSmart(&w, f.ID-last)
			last = f.ID
		}
	}

	if d.Named {
		for _, a := range d.Archives {
			for _, f := range a.Files {
				binary.Write(&w, binary.BigEndian, f.NameHash)
			}
		}
	}

	return w.Bytes()
}

// readSmart reads a count or id delta: two bytes below protocol 7, the
// big-smart two-or-four-byte form from protocol 7 on.
func (d *IndexData) readSmart(r *reader) int {
	if d.Protocol >= 7 {
		return r.bigSmart()
	}
	return int(r.uint16())
}

func (d *IndexData) writeSmart(w *bytes.Buffer, v int) {
	if d.Protocol >= 7 {
		if v >= 0x8000 {
			binary.Write(w, binary.BigEndian, uint32(v)|0x80000000)
			return
		}
		binary.Write(w, binary.BigEndian, uint16(v))
		return
	}
	binary.Write(w, binary.BigEndian, uint16(v))
}

// reader is a bounds-checked big-endian cursor. The first overflow sticks
// in err and all later reads return zero.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.pos, len(r.data)-r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) uint8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

// bigSmart reads two bytes when the sign bit of the first byte is clear,
// four bytes with the sign bit masked off otherwise.
func (r *reader) bigSmart() int {
	if r.err != nil {
		return 0
	}
	if r.pos < len(r.data) && r.data[r.pos]&0x80 != 0 {
		return int(uint32(r.int32()) & 0x7fffffff)
	}
	return int(r.uint16())
}
