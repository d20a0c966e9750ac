package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/born-ml/lora/internal/tensor"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

const metadataKey = "__metadata__"

// SafeTensorInfo describes a tensor in a SafeTensors header.
type SafeTensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end)
}

// SafeTensorsHeader is the JSON header of a SafeTensors file.
type SafeTensorsHeader struct {
	Metadata map[string]string
	Tensors  map[string]SafeTensorInfo
}

// UnmarshalJSON separates "__metadata__" from the tensor entries.
func (h *SafeTensorsHeader) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap[metadataKey]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]SafeTensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == metadataKey {
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}
	return nil
}

// MarshalJSON writes the metadata map under "__metadata__" next to the
// tensor entries.
func (h SafeTensorsHeader) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h.Tensors)+1)
	if len(h.Metadata) > 0 {
		out[metadataKey] = h.Metadata
	}
	for name, info := range h.Tensors {
		out[name] = info
	}
	return json.Marshal(out)
}

// SafeTensors is a decoded SafeTensors file.
type SafeTensors struct {
	Tensors  map[string]*tensor.Tensor
	Metadata map[string]string
}

// Names returns the tensor names in lexicographic order.
func (s *SafeTensors) Names() []string {
	names := make([]string, 0, len(s.Tensors))
	for name := range s.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeSafeTensors writes tensors and string metadata in SafeTensors
// format. Tensors are laid out in name order and encoded in their own
// precision (F32, F16 or BF16).
func EncodeSafeTensors(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey || name == "" {
			return fmt.Errorf("%w: %q", ErrInvalidTensorName, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := SafeTensorsHeader{Metadata: metadata, Tensors: make(map[string]SafeTensorInfo, len(names))}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(t.NumElements() * t.DType().Size())
		header.Tensors[name] = SafeTensorInfo{
			DType:       t.DType().SafeTensorsName(),
			Shape:       t.Shape().Int64s(),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := w.Write(tensors[name].Bytes()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

// WriteSafeTensors writes tensors and metadata to a SafeTensors file.
func WriteSafeTensors(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	//nolint:gosec // G304: File path comes from user input, which is expected for model saving
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	bw := bufio.NewWriter(file)
	if err := EncodeSafeTensors(bw, tensors, metadata); err != nil {
		_ = file.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return file.Close()
}

// ReadSafeTensors reads a complete SafeTensors file.
func ReadSafeTensors(path string) (*SafeTensors, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	st, err := DecodeSafeTensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

// DecodeSafeTensors parses a SafeTensors file held in memory.
func DecodeSafeTensors(data []byte) (*SafeTensors, error) {
	if len(data) < 8 {
		return nil, ErrTruncated
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	end := 8 + int64(headerSize) //nolint:gosec // G115: bounded by MaxHeaderSize
	if end > int64(len(data)) {
		return nil, ErrTruncated
	}

	var header SafeTensorsHeader
	if err := json.Unmarshal(data[8:end], &header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	section := data[end:]
	spans := make([]span, 0, len(header.Tensors))
	for name, info := range header.Tensors {
		spans = append(spans, span{name: name, start: info.DataOffsets[0], end: info.DataOffsets[1]})
	}
	if err := validateSpans(spans, int64(len(section))); err != nil {
		return nil, err
	}

	out := &SafeTensors{
		Tensors:  make(map[string]*tensor.Tensor, len(header.Tensors)),
		Metadata: header.Metadata,
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]string)
	}
	for name, info := range header.Tensors {
		dtype, err := tensor.ParseDataType(info.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		shape := make(tensor.Shape, len(info.Shape))
		for i, d := range info.Shape {
			shape[i] = int(d)
		}
		t, err := tensor.FromBytes(section[info.DataOffsets[0]:info.DataOffsets[1]], dtype, shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		out.Tensors[name] = t
	}
	return out, nil
}
