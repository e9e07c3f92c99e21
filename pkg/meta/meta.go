// Package meta implements the versioned, serializable index-meta
// descriptor (spec §3): a nested key/value parameter bag with typed
// required/optional getters, split into common/index/search/extra
// sections.
package meta

import "fmt"

// IndexFamily distinguishes the broad class of index a meta describes.
type IndexFamily string

const (
	FamilyVector IndexFamily = "Vector"
	FamilyText   IndexFamily = "Text"
)

// IndexType selects the concrete engine a factory should build.
type IndexType string

const (
	FaissHNSW    IndexType = "FaissHNSW"
	FaissIVFFlat IndexType = "FaissIVFFlat"
	FaissIVFPQ   IndexType = "FaissIVFPQ"
)

// MetricType mirrors vectorview.Metric but is kept independent so this
// package has no dependency on the engine layer.
type MetricType string

const (
	L2               MetricType = "L2"
	CosineSimilarity MetricType = "CosineSimilarity"
	InnerProduct     MetricType = "InnerProduct"
	CosineDistance   MetricType = "CosineDistance"
)

// Section is a flat key/value bag. Values are stored as `any` so the
// same section round-trips through both JSON and MessagePack; typed
// getters narrow on read.
type Section map[string]any

// IndexMeta is the top-level parameter bag, spec §3.
type IndexMeta struct {
	MetaVersion int32       `json:"meta_version" msgpack:"meta_version"`
	IndexFamily IndexFamily `json:"index_family" msgpack:"index_family"`
	IndexType   IndexType   `json:"index_type" msgpack:"index_type"`
	Common      Section     `json:"common" msgpack:"common"`
	Index       Section     `json:"index" msgpack:"index"`
	Search      Section     `json:"search" msgpack:"search"`
	Extra       Section     `json:"extra" msgpack:"extra"`
}

const CurrentMetaVersion int32 = 1

// New creates an empty, versioned meta for the given family/type. Use
// the With* setters to populate sections, then call Validate (also
// performed automatically by FromJSON/FromMsgpack).
func New(family IndexFamily, typ IndexType) *IndexMeta {
	return &IndexMeta{
		MetaVersion: CurrentMetaVersion,
		IndexFamily: family,
		IndexType:   typ,
		Common:      Section{},
		Index:       Section{},
		Search:      Section{},
		Extra:       Section{},
	}
}

// WithCommon sets a key in the common section and returns the
// receiver, for setter chaining.
func (m *IndexMeta) WithCommon(key string, val any) *IndexMeta {
	if m.Common == nil {
		m.Common = Section{}
	}
	m.Common[key] = val
	return m
}

// WithIndex sets a key in the index (build-time) section.
func (m *IndexMeta) WithIndex(key string, val any) *IndexMeta {
	if m.Index == nil {
		m.Index = Section{}
	}
	m.Index[key] = val
	return m
}

// WithSearch sets a key in the search (query-time) section.
func (m *IndexMeta) WithSearch(key string, val any) *IndexMeta {
	if m.Search == nil {
		m.Search = Section{}
	}
	m.Search[key] = val
	return m
}

// WithExtra sets a key in the writer/reader-options section.
func (m *IndexMeta) WithExtra(key string, val any) *IndexMeta {
	if m.Extra == nil {
		m.Extra = Section{}
	}
	m.Extra[key] = val
	return m
}

// ---- typed getters ----

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64: // JSON numbers decode as float64
		return int64(t), true
	case uint64:
		return int64(t), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// RequiredInt fetches a required integer key from section, erroring
// if absent or of the wrong type.
func (s Section) RequiredInt(key string) (int64, error) {
	v, ok := s[key]
	if !ok {
		return 0, fmt.Errorf("meta: missing required key %q", key)
	}
	i, ok := asInt(v)
	if !ok {
		return 0, fmt.Errorf("meta: key %q is not an integer (got %T)", key, v)
	}
	return i, nil
}

// OptionalInt fetches an optional integer key, returning def if absent.
func (s Section) OptionalInt(key string, def int64) int64 {
	v, ok := s[key]
	if !ok {
		return def
	}
	i, ok := asInt(v)
	if !ok {
		return def
	}
	return i
}

// RequiredString fetches a required string key.
func (s Section) RequiredString(key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", fmt.Errorf("meta: missing required key %q", key)
	}
	str, ok := asString(v)
	if !ok {
		return "", fmt.Errorf("meta: key %q is not a string (got %T)", key, v)
	}
	return str, nil
}

// OptionalBool fetches an optional boolean key, returning def if absent.
func (s Section) OptionalBool(key string, def bool) bool {
	v, ok := s[key]
	if !ok {
		return def
	}
	b, ok := asBool(v)
	if !ok {
		return def
	}
	return b
}

// OptionalString fetches an optional string key, returning def if absent.
func (s Section) OptionalString(key string, def string) string {
	v, ok := s[key]
	if !ok {
		return def
	}
	str, ok := asString(v)
	if !ok {
		return def
	}
	return str
}

// OptionalFloat fetches an optional float key, returning def if absent.
func (s Section) OptionalFloat(key string, def float64) float64 {
	v, ok := s[key]
	if !ok {
		return def
	}
	f, ok := asFloat(v)
	if !ok {
		return def
	}
	return f
}

// ---- common accessors ----

// Dim returns the required common.dim parameter.
func (m *IndexMeta) Dim() (int, error) {
	v, err := m.Common.RequiredInt("dim")
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("meta: dim must be > 0, got %d", v)
	}
	return int(v), nil
}

// Metric returns the required common.metric_type parameter.
func (m *IndexMeta) Metric() (MetricType, error) {
	s, err := m.Common.RequiredString("metric_type")
	if err != nil {
		return "", err
	}
	switch MetricType(s) {
	case L2, CosineSimilarity, InnerProduct, CosineDistance:
		return MetricType(s), nil
	default:
		return "", fmt.Errorf("meta: unknown metric_type %q", s)
	}
}

// IsVectorNormed returns the optional common.is_vector_normed flag.
func (m *IndexMeta) IsVectorNormed() bool {
	return m.Common.OptionalBool("is_vector_normed", false)
}

// Validate enforces the required/optional typed-getter contract
// eagerly, per SPEC_FULL §4 [C2]: fail at construction/deserialization
// time rather than at first use.
func (m *IndexMeta) Validate() error {
	if m.MetaVersion <= 0 {
		return fmt.Errorf("meta: meta_version must be > 0")
	}
	switch m.IndexFamily {
	case FamilyVector, FamilyText:
	default:
		return fmt.Errorf("meta: unknown index_family %q", m.IndexFamily)
	}
	switch m.IndexType {
	case FaissHNSW, FaissIVFFlat, FaissIVFPQ:
	default:
		return fmt.Errorf("meta: unknown index_type %q", m.IndexType)
	}
	if _, err := m.Dim(); err != nil {
		return err
	}
	if _, err := m.Metric(); err != nil {
		return err
	}
	switch m.IndexType {
	case FaissHNSW:
		if _, err := m.Index.RequiredInt("M"); err != nil {
			return err
		}
		if _, err := m.Index.RequiredInt("efConstruction"); err != nil {
			return err
		}
	case FaissIVFPQ, FaissIVFFlat:
		if _, err := m.Index.RequiredInt("nlist"); err != nil {
			return err
		}
		if m.IndexType == FaissIVFPQ {
			if _, err := m.Index.RequiredInt("M"); err != nil {
				return err
			}
			if _, err := m.Index.RequiredInt("nbits"); err != nil {
				return err
			}
		}
	}
	return nil
}
