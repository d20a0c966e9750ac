package serialization

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/born-ml/lora/internal/tensor"
)

// Generator identifies this tool in the header of written .born files.
const Generator = "born-lora 0.1.0"

// Checkpoint is a decoded .born file.
type Checkpoint struct {
	Header  Header
	Tensors map[string]*tensor.Tensor
}

// ReaderOptions configures .born decoding.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// EncodeBorn writes a state dict in .born v2 format.
//
// Tensors are laid out in name order and encoded in their own precision.
// The data section is covered by a SHA-256 checksum in the fixed header.
func EncodeBorn(w io.Writer, state map[string]*tensor.Tensor, modelType string, metadata map[string]string) error {
	names := make([]string, 0, len(state))
	for name := range state {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := Header{
		FormatVersion: FormatVersionV2,
		Generator:     Generator,
		ModelType:     modelType,
		CreatedAt:     time.Now().UTC(),
		Tensors:       make([]TensorMeta, 0, len(state)),
		Metadata:      metadata,
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	var data bytes.Buffer
	for _, name := range names {
		t := state[name]
		raw := t.Bytes()
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  t.DType().String(),
			Device: t.Device().String(),
			Shape:  []int(t.Shape().Clone()),
			Offset: int64(data.Len()),
			Size:   int64(len(raw)),
		})
		data.Write(raw)
	}
	checksum := sha256.Sum256(data.Bytes())

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	fixed := make([]byte, FixedHeaderSizeV2)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersionV2)
	flags := uint32(0)
	if len(metadata) > 0 {
		flags |= FlagHasMetadata
	}
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(data.Len()))
	copy(fixed[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], checksum[:])

	if _, err := w.Write(fixed); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header JSON: %w", err)
	}
	padding := alignedDataOffset(FixedHeaderSizeV2, int64(len(headerJSON))) - FixedHeaderSizeV2 - int64(len(headerJSON))
	if padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}
	if _, err := w.Write(data.Bytes()); err != nil {
		return fmt.Errorf("failed to write tensor data: %w", err)
	}
	return nil
}

// SaveBorn writes a state dict to a .born file.
func SaveBorn(path string, state map[string]*tensor.Tensor, modelType string, metadata map[string]string) error {
	//nolint:gosec // G304: File path comes from user input, which is expected for model saving
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	bw := bufio.NewWriter(file)
	if err := EncodeBorn(bw, state, modelType, metadata); err != nil {
		_ = file.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return file.Close()
}

// LoadBorn reads a .born file.
func LoadBorn(path string, opts ReaderOptions) (*Checkpoint, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return DecodeBorn(data, opts)
}

// DecodeBorn parses a complete .born file held in memory. Both v1 and v2
// files are accepted; the checksum of v2 files is verified unless skipped.
func DecodeBorn(data []byte, opts ReaderOptions) (*Checkpoint, error) {
	if len(data) < FixedHeaderSizeV1 {
		return nil, ErrTruncated
	}
	if string(data[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}

	var (
		prefix     int64
		headerSize uint64
		dataSize   int64 = -1
		checksum   []byte
	)
	switch version := binary.LittleEndian.Uint32(data[4:8]); version {
	case FormatVersion:
		prefix = FixedHeaderSizeV1
		headerSize = binary.LittleEndian.Uint64(data[12:20])
	case FormatVersionV2:
		if len(data) < FixedHeaderSizeV2 {
			return nil, ErrTruncated
		}
		prefix = FixedHeaderSizeV2
		headerSize = binary.LittleEndian.Uint64(data[16:24])
		dataSize = int64(binary.LittleEndian.Uint64(data[24:32])) //nolint:gosec // G115: bounded below
		checksum = data[ChecksumOffsetV2 : ChecksumOffsetV2+ChecksumSize]
	default:
		return nil, fmt.Errorf("%w: got %d, expected %d or %d", ErrUnsupportedVersion, version, FormatVersion, FormatVersionV2)
	}

	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	end := prefix + int64(headerSize) //nolint:gosec // G115: headerSize bounded by MaxHeaderSize
	if end > int64(len(data)) {
		return nil, ErrTruncated
	}
	var header Header
	if err := json.Unmarshal(data[prefix:end], &header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	offset := alignedDataOffset(prefix, int64(headerSize)) //nolint:gosec // G115: bounded above
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	section := data[offset:]
	if dataSize >= 0 {
		if dataSize > int64(len(section)) {
			return nil, ErrTruncated
		}
		section = section[:dataSize]
		if !opts.SkipChecksumValidation && !bytes.Equal(checksumOf(section), checksum) {
			return nil, ErrChecksumMismatch
		}
	}

	if err := ValidateHeader(&header, int64(len(section)), opts.ValidationLevel); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	tensors := make(map[string]*tensor.Tensor, len(header.Tensors))
	for _, meta := range header.Tensors {
		t, err := decodeBornTensor(section, meta)
		if err != nil {
			return nil, err
		}
		tensors[meta.Name] = t
	}
	return &Checkpoint{Header: header, Tensors: tensors}, nil
}

func decodeBornTensor(section []byte, meta TensorMeta) (*tensor.Tensor, error) {
	dtype, err := tensor.ParseDataType(meta.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", meta.Name, err)
	}
	if meta.Offset < 0 || meta.Size < 0 || meta.Offset+meta.Size > int64(len(section)) {
		return nil, &ValidationError{Type: "out_of_bounds", Tensor: meta.Name, Details: "range outside data section"}
	}
	t, err := tensor.FromBytes(section[meta.Offset:meta.Offset+meta.Size], dtype, tensor.Shape(meta.Shape))
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", meta.Name, err)
	}
	if device, ok := tensor.ParseDevice(meta.Device); ok {
		t = t.To(device, dtype)
	}
	return t, nil
}

func checksumOf(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
