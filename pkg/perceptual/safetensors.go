// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// tensorInfo is the header entry of one tensor in a safetensors file.
type tensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// ReadSafetensors reads the tensors of a safetensors file whose names start with prefix
// (all of them if prefix is empty). Floating point tensors (F32, F16 and BF16) are converted to float32.
func ReadSafetensors(filePath, prefix string) (map[string]*tensors.Tensor, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read safetensors file %q", filePath)
	}
	return ParseSafetensors(data, prefix)
}

// ParseSafetensors is like ReadSafetensors, but takes the contents of the file.
func ParseSafetensors(data []byte, prefix string) (map[string]*tensors.Tensor, error) {
	if len(data) < 8 {
		return nil, errors.Errorf("safetensors data too small (%d bytes)", len(data))
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, errors.Errorf("safetensors header size %d larger than the data (%d bytes)", headerSize, len(data))
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, errors.Wrap(err, "failed to parse safetensors header")
	}
	payload := data[8+headerSize:]

	names := make([]string, 0, len(rawHeader))
	for name := range rawHeader {
		if name != "__metadata__" && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	result := make(map[string]*tensors.Tensor, len(names))
	for _, name := range names {
		var info tensorInfo
		if err := json.Unmarshal(rawHeader[name], &info); err != nil {
			return nil, errors.Wrapf(err, "failed to parse safetensors entry %q", name)
		}
		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || end < start || end > int64(len(payload)) {
			return nil, errors.Errorf("tensor %q has invalid offsets %v (data section has %d bytes)",
				name, info.Offsets, len(payload))
		}
		t, err := decodeFloatTensor(payload[start:end], info)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", name)
		}
		result[name] = t
	}
	return result, nil
}

func decodeFloatTensor(raw []byte, info tensorInfo) (*tensors.Tensor, error) {
	size := 1
	for _, dim := range info.Shape {
		size *= dim
	}
	var elementSize int
	var decode func(b []byte) float32
	switch info.DType {
	case "F32":
		elementSize = 4
		decode = func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
	case "F16":
		elementSize = 2
		decode = func(b []byte) float32 { return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32() }
	case "BF16":
		elementSize = 2
		decode = func(b []byte) float32 { return bfloat16.FromBits(binary.LittleEndian.Uint16(b)).Float32() }
	default:
		return nil, errors.Errorf("unsupported dtype %q, only F32, F16 and BF16 are supported", info.DType)
	}
	if len(raw) != size*elementSize {
		return nil, errors.Errorf("data size mismatch: got %d bytes, expected %d for shape %v and dtype %s",
			len(raw), size*elementSize, info.Shape, info.DType)
	}
	values := make([]float32, size)
	for i := range values {
		values[i] = decode(raw[i*elementSize : (i+1)*elementSize])
	}
	return tensors.FromFlatDataAndDimensions(values, info.Shape...), nil
}
