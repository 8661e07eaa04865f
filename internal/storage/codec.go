package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// This file implements the length-prefixed, tag-less binary encoding used
// for every blob column on request_task (spec §4.1, §6, §8 round-trip
// laws). Every field is little-endian length-prefixed; there is no field
// tagging, so encode(decode(blob)) == blob is exact as long as the decoded
// value is re-encoded through the same field order — which every codec
// function here does.

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

// HeaderPair preserves header insertion order, which plain map[string]string
// cannot.
type HeaderPair struct {
	Key   string
	Value string
}

// EncodeHeaders serializes an ordered header list.
func EncodeHeaders(headers []HeaderPair) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(headers)))
	for _, h := range headers {
		putString(&buf, h.Key)
		putString(&buf, h.Value)
	}
	return buf.Bytes()
}

// DecodeHeaders is the inverse of EncodeHeaders.
func DecodeHeaders(blob []byte) ([]HeaderPair, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(blob)
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]HeaderPair, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("storage: decode headers key %d: %w", i, err)
		}
		v, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("storage: decode headers value %d: %w", i, err)
		}
		out = append(out, HeaderPair{Key: k, Value: v})
	}
	return out, nil
}

// FileSpec is one entry of a multi-file upload, dropped by the distilled
// spec's single file_path field but present in the original multi-file
// upload task and restored here (see SPEC_FULL.md §3).
type FileSpec struct {
	Path     string
	Filename string
	MimeType string
}

func EncodeFileSpecs(specs []FileSpec) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(specs)))
	for _, s := range specs {
		putString(&buf, s.Path)
		putString(&buf, s.Filename)
		putString(&buf, s.MimeType)
	}
	return buf.Bytes()
}

func DecodeFileSpecs(blob []byte) ([]FileSpec, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(blob)
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]FileSpec, 0, n)
	for i := uint32(0); i < n; i++ {
		path, err := readString(r)
		if err != nil {
			return nil, err
		}
		filename, err := readString(r)
		if err != nil {
			return nil, err
		}
		mime, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, FileSpec{Path: path, Filename: filename, MimeType: mime})
	}
	return out, nil
}

// FileStatus is one per_file_status entry for a multi-file upload/download.
type FileStatus struct {
	Index  int32
	Status string
	Reason string
}

func EncodeFileStatuses(statuses []FileStatus) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(statuses)))
	for _, s := range statuses {
		putUint32(&buf, uint32(s.Index))
		putString(&buf, s.Status)
		putString(&buf, s.Reason)
	}
	return buf.Bytes()
}

func DecodeFileStatuses(blob []byte) ([]FileStatus, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(blob)
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]FileStatus, 0, n)
	for i := uint32(0); i < n; i++ {
		idx, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		status, err := readString(r)
		if err != nil {
			return nil, err
		}
		reason, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, FileStatus{Index: int32(idx), Status: status, Reason: reason})
	}
	return out, nil
}

// EncodeStringList serializes certificate_pins and body_file_names.
func EncodeStringList(items []string) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(items)))
	for _, s := range items {
		putString(&buf, s)
	}
	return buf.Bytes()
}

func DecodeStringList(blob []byte) ([]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(blob)
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// EncodeExtras serializes the opaque extras map with keys sorted so the
// encoding is deterministic and encode(decode(blob)) == blob holds even
// though Go map iteration order is randomized.
func EncodeExtras(extras map[string]string) []byte {
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(keys)))
	for _, k := range keys {
		putString(&buf, k)
		putString(&buf, extras[k])
	}
	return buf.Bytes()
}

func DecodeExtras(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(blob)
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
