package pagestore

import "encoding/binary"

import "github.com/sirgallo/prollytree/varint"

// PageID identifies a fixed-size page within a page file. 0 is reserved as
// the null/empty marker and is never returned by Allocate.
type PageID uint64

// NullPageID is the distinguished "no page" marker.
const NullPageID PageID = 0

// superblockSlots is the number of superblock pages reserved at the start of
// the file (pages 0 and 1, written alternately for crash safety).
const superblockSlots = 2

// PageKind discriminates the three kinds of page a store manages: tree
// nodes (owned and interpreted by the prolly package), freelist pages, and
// the reserved superblock slots.
type PageKind byte

const (
	// KindFreelist marks a page holding a chunk of the freelist chain.
	KindFreelist PageKind = 0x03
)

// freelistPage is the decoded form of one freelist chain page:
// header{kind=0x03, count:u16, next:u64} | id:varint...
type freelistPage struct {
	next PageID
	ids  []PageID
}

const freelistPageHeaderSize = 1 + 2 + 8 // kind + count + next

// encode serializes fp into a page-sized buffer. It does not check that the
// encoded IDs fit within pageSize (bytes beyond it are cut off); callers
// bound len(fp.ids) via maxFreelistIDs.
func (fp *freelistPage) encode(pageSize int) []byte {
	buf := make([]byte, 0, pageSize)
	buf = append(buf, byte(KindFreelist))

	count := make([]byte, 2)
	binary.LittleEndian.PutUint16(count, uint16(len(fp.ids)))
	buf = append(buf, count...)

	next := make([]byte, 8)
	binary.LittleEndian.PutUint64(next, uint64(fp.next))
	buf = append(buf, next...)

	for _, id := range fp.ids {
		buf = varint.EncodeAppend(uint64(id), buf)
	}

	out := make([]byte, pageSize)
	copy(out, buf)
	return out
}

// decodeFreelistPage parses a page-sized buffer previously produced by encode.
func decodeFreelistPage(data []byte) (*freelistPage, error) {
	if len(data) < freelistPageHeaderSize || PageKind(data[0]) != KindFreelist {
		return nil, newError(CorruptFormat, "bad freelist page header", nil)
	}

	count := binary.LittleEndian.Uint16(data[1:3])
	next := PageID(binary.LittleEndian.Uint64(data[3:11]))

	ids := make([]PageID, 0, count)
	offset := freelistPageHeaderSize
	for i := 0; i < int(count); i++ {
		if offset >= len(data) {
			return nil, newError(CorruptFormat, "truncated freelist page", nil)
		}

		v, n := varint.Decode(data[offset:])
		ids = append(ids, PageID(v))
		offset += n
	}

	return &freelistPage{next: next, ids: ids}, nil
}

// maxFreelistIDs returns the largest number of page IDs that are guaranteed
// to fit in one freelist page of the given size, assuming the worst case
//9-byte varint encoding for every ID.
func maxFreelistIDs(pageSize int) int {
	available := pageSize - freelistPageHeaderSize
	if available <= 0 {
		return 0
	}

	return available / varint.MaxLen
}
