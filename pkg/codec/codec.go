// Package codec implements the on-disk structural encoding shared by
// every index family (spec §4.8, C8): a 4-byte magic tag identifying
// the family, followed by the length-prefixed IndexMeta (MessagePack,
// via pkg/meta) and a length-prefixed, family-specific payload blob.
//
// The teacher's HNSW.Save/Load used encoding/gob directly against an
// io.Writer/io.Reader; this generalizes that idiom into a shared
// envelope so every family's builder/writer/reader can reuse one
// framing instead of each hand-rolling its own header.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/annidx/annidx/pkg/meta"
)

// Magic tags, patterned on the original Faiss on-disk prefixes named
// in spec §4.8: IwPQ for IndexIVFPQ, IxPT for a pre-transform wrapper.
// IxHN (HNSW) and IwFl (IVF-Flat) extend the same naming convention to
// the two families spec.md's Faiss lineage left unnamed.
var (
	MagicHNSW        = [4]byte{'I', 'x', 'H', 'N'}
	MagicIVFFlat     = [4]byte{'I', 'w', 'F', 'l'}
	MagicIVFPQ       = [4]byte{'I', 'w', 'P', 'Q'}
	MagicPreTransform = [4]byte{'I', 'x', 'P', 'T'}
)

func magicFor(t meta.IndexType) ([4]byte, error) {
	switch t {
	case meta.FaissHNSW:
		return MagicHNSW, nil
	case meta.FaissIVFFlat:
		return MagicIVFFlat, nil
	case meta.FaissIVFPQ:
		return MagicIVFPQ, nil
	default:
		return [4]byte{}, fmt.Errorf("codec: unknown index_type %q", t)
	}
}

func writeFramed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Encode writes magic(m.IndexType) || framed(meta msgpack) ||
// framed(gob(payload)) to w.
func Encode(w io.Writer, m *meta.IndexMeta, payload any) error {
	tag, err := magicFor(m.IndexType)
	if err != nil {
		return err
	}
	if _, err := w.Write(tag[:]); err != nil {
		return err
	}
	metaBytes, err := m.ToMsgpack()
	if err != nil {
		return fmt.Errorf("codec: encode meta: %w", err)
	}
	if err := writeFramed(w, metaBytes); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return fmt.Errorf("codec: encode payload: %w", err)
	}
	return writeFramed(w, buf.Bytes())
}

// Decode reads an envelope written by Encode, decoding the payload gob
// stream into payload (a pointer to the family's snapshot type). It
// returns the recovered meta, and errors if the file's magic tag does
// not agree with meta.IndexType.
func Decode(r io.Reader, payload any) (*meta.IndexMeta, error) {
	var tag [4]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, fmt.Errorf("codec: read magic: %w", err)
	}

	metaBytes, err := readFramed(r)
	if err != nil {
		return nil, fmt.Errorf("codec: read meta: %w", err)
	}
	m, err := meta.FromMsgpack(metaBytes)
	if err != nil {
		return nil, err
	}
	wantTag, err := magicFor(m.IndexType)
	if err != nil {
		return nil, err
	}
	if tag != wantTag {
		return nil, fmt.Errorf("codec: magic tag %q does not match index_type %q", tag, m.IndexType)
	}

	payloadBytes, err := readFramed(r)
	if err != nil {
		return nil, fmt.Errorf("codec: read payload: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payloadBytes)).Decode(payload); err != nil {
		return nil, fmt.Errorf("codec: decode payload: %w", err)
	}
	return m, nil
}
