// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"slices"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// safetensorsMetadataKey is the reserved header entry with free-form string metadata.
const safetensorsMetadataKey = "__metadata__"

// maxSafetensorsHeaderSize guards against corrupted files announcing absurd header sizes.
const maxSafetensorsHeaderSize = 100 << 20

// SafetensorsEntry describes one tensor stored in a safetensors file.
type SafetensorsEntry struct {
	Name  string
	DType string
	Shape []int

	// DataOffsets are the begin and end of the tensor bytes, relative to the start of the data section.
	DataOffsets [2]int64
}

// Size returns the number of elements of the tensor.
func (entry SafetensorsEntry) Size() int {
	size := 1
	for _, dim := range entry.Shape {
		size *= dim
	}
	return size
}

// Safetensors holds the contents of a safetensors file: a little-endian uint64 with the header length,
// a JSON header describing each tensor and the raw data section.
type Safetensors struct {
	// Path the file was read from, if any.
	Path string

	// Metadata is the optional free-form "__metadata__" header entry.
	Metadata map[string]string

	// Entries indexed by tensor name.
	Entries map[string]SafetensorsEntry

	data []byte
}

// ReadSafetensors reads the whole safetensors file in path.
func ReadSafetensors(path string) (*Safetensors, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read safetensors file %q", path)
	}
	st, err := ParseSafetensors(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing safetensors file %q", path)
	}
	st.Path = path
	return st, nil
}

// ParseSafetensors parses the contents of a safetensors file. The returned object references contents.
func ParseSafetensors(contents []byte) (*Safetensors, error) {
	if len(contents) < 8 {
		return nil, errors.Errorf("safetensors contents too small (%d bytes)", len(contents))
	}
	headerSize := binary.LittleEndian.Uint64(contents[:8])
	if headerSize > maxSafetensorsHeaderSize || headerSize > uint64(len(contents)-8) {
		return nil, errors.Errorf("invalid safetensors header size %d for contents of %d bytes", headerSize, len(contents))
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(contents[8:8+headerSize], &rawHeader); err != nil {
		return nil, errors.Wrap(err, "failed to parse safetensors JSON header")
	}

	st := &Safetensors{
		Entries: make(map[string]SafetensorsEntry, len(rawHeader)),
		data:    contents[8+headerSize:],
	}
	for name, raw := range rawHeader {
		if name == safetensorsMetadataKey {
			if err := json.Unmarshal(raw, &st.Metadata); err != nil {
				return nil, errors.Wrap(err, "failed to parse safetensors metadata")
			}
			continue
		}
		var info struct {
			DType       string   `json:"dtype"`
			Shape       []int    `json:"shape"`
			DataOffsets [2]int64 `json:"data_offsets"`
		}
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, errors.Wrapf(err, "failed to parse safetensors entry %q", name)
		}
		entry := SafetensorsEntry{Name: name, DType: info.DType, Shape: info.Shape, DataOffsets: info.DataOffsets}
		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(st.data)) {
			return nil, errors.Errorf("safetensors entry %q has invalid data offsets [%d, %d] (data section has %d bytes)",
				name, begin, end, len(st.data))
		}
		elementSize, err := safetensorsElementSize(entry.DType)
		if err == nil && int64(entry.Size()*elementSize) != end-begin {
			return nil, errors.Errorf("safetensors entry %q of dtype %s and shape %v should have %d bytes, got %d",
				name, entry.DType, entry.Shape, entry.Size()*elementSize, end-begin)
		}
		st.Entries[name] = entry
	}
	return st, nil
}

// Names returns the sorted names of the tensors.
func (st *Safetensors) Names() []string {
	names := make([]string, 0, len(st.Entries))
	for name := range st.Entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Float32 returns the values of the named tensor converted to float32, in row-major order, and its shape.
//
// Supported dtypes are F32, F64, F16, BF16, I64 and I32.
func (st *Safetensors) Float32(name string) (values []float32, shape []int, err error) {
	entry, found := st.Entries[name]
	if !found {
		return nil, nil, errors.Errorf("tensor %q not found in safetensors", name)
	}
	raw := st.data[entry.DataOffsets[0]:entry.DataOffsets[1]]
	size := entry.Size()
	values = make([]float32, size)
	switch entry.DType {
	case "F32":
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*ii:]))
		}
	case "F64":
		for ii := range values {
			values[ii] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*ii:])))
		}
	case "F16":
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*ii:])).Float32()
		}
	case "BF16":
		for ii := range values {
			values[ii] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*ii:])) << 16)
		}
	case "I64":
		for ii := range values {
			values[ii] = float32(int64(binary.LittleEndian.Uint64(raw[8*ii:])))
		}
	case "I32":
		for ii := range values {
			values[ii] = float32(int32(binary.LittleEndian.Uint32(raw[4*ii:])))
		}
	default:
		return nil, nil, errors.Errorf("tensor %q has unsupported dtype %q for conversion to float32", name, entry.DType)
	}
	return values, slices.Clone(entry.Shape), nil
}

func safetensorsElementSize(dtype string) (int, error) {
	switch dtype {
	case "F64", "I64", "U64":
		return 8, nil
	case "F32", "I32", "U32":
		return 4, nil
	case "F16", "BF16", "I16", "U16":
		return 2, nil
	case "I8", "U8", "BOOL":
		return 1, nil
	}
	return 0, errors.Errorf("unknown safetensors dtype %q", dtype)
}
