package meta

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// ToJSON serializes m to self-describing JSON text (spec §3: "both
// forms round-trip losslessly").
func (m *IndexMeta) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes JSON text into a new, validated IndexMeta.
func FromJSON(data []byte) (*IndexMeta, error) {
	var m IndexMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	normalizeSections(&m)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ToMsgpack serializes m to self-describing MessagePack binary.
func (m *IndexMeta) ToMsgpack() ([]byte, error) {
	return msgpack.Marshal(m)
}

// FromMsgpack deserializes MessagePack binary into a new, validated
// IndexMeta.
func FromMsgpack(data []byte) (*IndexMeta, error) {
	var m IndexMeta
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	normalizeSections(&m)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// normalizeSections guards against a nil section surviving
// deserialization of a meta that omitted an optional section.
func normalizeSections(m *IndexMeta) {
	if m.Common == nil {
		m.Common = Section{}
	}
	if m.Index == nil {
		m.Index = Section{}
	}
	if m.Search == nil {
		m.Search = Section{}
	}
	if m.Extra == nil {
		m.Extra = Section{}
	}
}
