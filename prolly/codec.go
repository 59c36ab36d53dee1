package prolly

import "encoding/binary"

import "github.com/sirgallo/prollytree/pagestore"
import "github.com/sirgallo/prollytree/varint"

const (
	kindLeaf     = 0x01
	kindInternal = 0x02
)

const nodeHeaderSize = 1 + 1 + 2 // kind + height + entry_count

const contentHashLen = 32

// encodeNode serializes n into a page-sized buffer, returning the buffer and
// the number of leading bytes actually used (the remainder is zero-padded).
// This is the on-disk form, child_id fields included; a Policy hashes
// hashableBytes(n) instead, which depends neither on page IDs nor on the
// store's configured page size.
func encodeNode(n *node, pageSize int) (page []byte, used int, err error) {
	buf := make([]byte, 0, pageSize)

	if n.isLeaf() {
		buf = append(buf, kindLeaf, byte(n.height))
	} else {
		buf = append(buf, kindInternal, byte(n.height))
	}

	count := make([]byte, 2)
	binary.LittleEndian.PutUint16(count, uint16(n.entryCount()))
	buf = append(buf, count...)

	if n.isLeaf() {
		for _, e := range n.leafEntries {
			buf = varint.EncodeAppend(uint64(len(e.key)), buf)
			buf = varint.EncodeAppend(uint64(len(e.value)), buf)
			buf = append(buf, e.key...)
			buf = append(buf, e.value...)
		}
	} else {
		for _, e := range n.internalEntries {
			buf = varint.EncodeAppend(uint64(len(e.key)), buf)
			buf = append(buf, e.key...)
			buf = varint.EncodeAppend(uint64(e.id), buf)
			buf = append(buf, e.hash[:]...)
		}
	}

	if len(buf) > pageSize {
		return nil, 0, newCorruptError("encoded node exceeds page size")
	}

	out := make([]byte, pageSize)
	copy(out, buf)
	return out, len(buf), nil
}

// hashableBytes returns the canonical serialization a Policy hashes for n:
// a leaf's key/value list, or an internal node's (key, child_hash) list.
// Deliberately excluded from an internal node's hashable form: child_id,
// which names a page-store location rather than content, so relocating a
// subtree's pages (Vacuum) never changes any ancestor's content hash.
func hashableBytes(n *node) []byte {
	var buf []byte

	if n.isLeaf() {
		for _, e := range n.leafEntries {
			buf = varint.EncodeAppend(uint64(len(e.key)), buf)
			buf = varint.EncodeAppend(uint64(len(e.value)), buf)
			buf = append(buf, e.key...)
			buf = append(buf, e.value...)
		}
	} else {
		for _, e := range n.internalEntries {
			buf = varint.EncodeAppend(uint64(len(e.key)), buf)
			buf = append(buf, e.key...)
			buf = append(buf, e.hash[:]...)
		}
	}

	return buf
}

// decodeNode parses a page previously produced by encodeNode. It reads only
// as many bytes as the header's entry_count requires, so trailing zero
// padding is naturally ignored.
func decodeNode(data []byte) (*node, error) {
	if len(data) < nodeHeaderSize {
		return nil, newCorruptError("page too small for node header")
	}

	kind := data[0]
	height := int(data[1])
	count := int(binary.LittleEndian.Uint16(data[2:4]))
	offset := nodeHeaderSize

	switch kind {
	case kindLeaf:
		entries := make([]leafEntry, 0, count)
		for i := 0; i < count; i++ {
			keyLen, n1, err := readVarint(data, offset)
			if err != nil {
				return nil, err
			}
			offset += n1

			valLen, n2, err := readVarint(data, offset)
			if err != nil {
				return nil, err
			}
			offset += n2

			key, err := readBytes(data, offset, int(keyLen))
			if err != nil {
				return nil, err
			}
			offset += int(keyLen)

			value, err := readBytes(data, offset, int(valLen))
			if err != nil {
				return nil, err
			}
			offset += int(valLen)

			entries = append(entries, leafEntry{key: key, value: value})
		}

		return &node{height: height, leafEntries: entries}, nil

	case kindInternal:
		entries := make([]childRef, 0, count)
		for i := 0; i < count; i++ {
			keyLen, n1, err := readVarint(data, offset)
			if err != nil {
				return nil, err
			}
			offset += n1

			key, err := readBytes(data, offset, int(keyLen))
			if err != nil {
				return nil, err
			}
			offset += int(keyLen)

			childID, n2, err := readVarint(data, offset)
			if err != nil {
				return nil, err
			}
			offset += n2

			hashBytes, err := readBytes(data, offset, contentHashLen)
			if err != nil {
				return nil, err
			}
			offset += contentHashLen

			var hash ContentHash
			copy(hash[:], hashBytes)

			entries = append(entries, childRef{key: key, id: pagestore.PageID(childID), hash: hash})
		}

		return &node{height: height, internalEntries: entries}, nil

	default:
		return nil, newCorruptError("unknown node page kind")
	}
}

func readVarint(data []byte, offset int) (value uint64, n int, err error) {
	if offset >= len(data) {
		return 0, 0, newCorruptError("truncated node page")
	}

	v, n := varint.Decode(data[offset:])
	return v, n, nil
}

func readBytes(data []byte, offset, length int) ([]byte, error) {
	if offset+length > len(data) {
		return nil, newCorruptError("truncated node page")
	}

	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return out, nil
}

func newCorruptError(msg string) error {
	return pagestore.NewError(pagestore.CorruptFormat, msg, nil)
}
