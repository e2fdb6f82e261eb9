// Package gitsync provides a local-first synchronization engine.
// This file contains parsing and generation of large-object pointer files.
package gitsync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// PointerSpecURI identifies the pointer file format version.
const PointerSpecURI = "https://git-lfs.github.com/spec/v1"

// maxPointerSize bounds how large a file can be and still be considered a
// pointer candidate. Real pointers are around a hundred bytes.
const maxPointerSize = 1024

// Pointer records the identity of a large object stored out-of-line:
// the sha256 of its payload and the payload size in bytes.
type Pointer struct {
	Oid  string
	Size int64
}

// ParsePointer parses the small text block of a pointer file:
//
//	version <spec-uri>
//	oid sha256:<64-hex>
//	size <bytes>
//
// Unknown trailing keys are ignored, matching the pointer spec's
// forward-compatibility rule.
func ParsePointer(data []byte) (*Pointer, error) {
	if len(data) == 0 {
		return nil, WrapError(ErrInvalidPointer, "pointer file is empty")
	}
	if len(data) > maxPointerSize {
		return nil, WrapError(ErrInvalidPointer, "pointer file too large")
	}

	var p Pointer
	sawVersion := false

	for i, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		key, value, found := strings.Cut(line, " ")
		if !found {
			return nil, WrapErrorf(ErrInvalidPointer, "malformed line %d", i+1)
		}

		switch key {
		case "version":
			// The version line must come first.
			if i != 0 {
				return nil, WrapError(ErrInvalidPointer, "version key out of order")
			}
			sawVersion = true
		case "oid":
			digest, ok := strings.CutPrefix(value, "sha256:")
			if !ok {
				return nil, WrapError(ErrInvalidPointer, "unsupported oid algorithm")
			}
			if len(digest) != sha256.Size*2 || !isHex(digest) {
				return nil, WrapError(ErrInvalidPointer, "oid is not a sha256 digest")
			}
			p.Oid = digest
		case "size":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return nil, WrapError(ErrInvalidPointer, "size is not a non-negative integer")
			}
			p.Size = size
		}
	}

	if !sawVersion || p.Oid == "" {
		return nil, WrapError(ErrInvalidPointer, "missing version or oid key")
	}
	return &p, nil
}

// Encode renders the pointer in its canonical on-disk form.
func (p *Pointer) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "version %s\n", PointerSpecURI)
	fmt.Fprintf(&buf, "oid sha256:%s\n", p.Oid)
	fmt.Fprintf(&buf, "size %d\n", p.Size)
	return buf.Bytes()
}

// PointerFromPayload computes the pointer identifying the payload read from r.
// Used to regenerate lost pointers from surviving local payloads and to
// prepare uploads for locally-modified payloads.
func PointerFromPayload(r io.Reader) (*Pointer, error) {
	h := sha256.New()
	size, err := io.Copy(h, r)
	if err != nil {
		return nil, WrapError(err, "failed to hash payload")
	}

	return &Pointer{
		Oid:  hex.EncodeToString(h.Sum(nil)),
		Size: size,
	}, nil
}

// IsPointerContent reports whether data plausibly holds a pointer file.
// Used when classifying merge conflicts: conflicts on pointer content are
// surfaced as pointer text, never as raw binary.
func IsPointerContent(data []byte) bool {
	if len(data) == 0 || len(data) > maxPointerSize {
		return false
	}
	return bytes.HasPrefix(data, []byte("version "))
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
