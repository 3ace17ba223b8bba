package upload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Well-known metadata keys.
const (
	MetaUploadType = "uploadType"
	MetaFilePath   = "filepath"
)

// ErrMalformedMetadata reports an Upload-Metadata header that cannot be decoded.
var ErrMalformedMetadata = errors.New("malformed upload metadata")

// Metadata is the decoded form of an Upload-Metadata header.
type Metadata map[string]string

// UploadType returns the dispatch tag carried by the metadata.
func (m Metadata) UploadType() string {
	return m[MetaUploadType]
}

// Clone returns an independent copy of m.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DecodeMetadata parses a comma separated list of "key base64value" pairs.
// Values must be standard, padded base64 of valid UTF-8. Keys are limited to
// ASCII letters, digits and underscore. Empty segments are skipped and a
// repeated key keeps its last value.
func DecodeMetadata(raw string) (Metadata, error) {
	meta := make(Metadata)
	for i, segment := range strings.Split(raw, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, encoded, ok := strings.Cut(segment, " ")
		if !ok {
			return nil, fmt.Errorf("%w: pair %d has no value", ErrMalformedMetadata, i)
		}
		if !validKey(key) {
			return nil, fmt.Errorf("%w: invalid key %q", ErrMalformedMetadata, key)
		}
		value, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("%w: value of %q is not base64", ErrMalformedMetadata, key)
		}
		if !utf8.Valid(value) {
			return nil, fmt.Errorf("%w: value of %q is not UTF-8", ErrMalformedMetadata, key)
		}
		meta[key] = string(value)
	}
	return meta, nil
}

// EncodeMetadata is the inverse of DecodeMetadata. Keys are emitted in sorted
// order so the output is stable.
func EncodeMetadata(meta Metadata) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(meta[k])))
	}
	return strings.Join(pairs, ",")
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}
