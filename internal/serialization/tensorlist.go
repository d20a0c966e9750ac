package serialization

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack"

	"github.com/born-ml/lora/internal/tensor"
)

// tensorRecord is one element of a msgpack tensor list.
type tensorRecord struct {
	DType string `msgpack:"dtype"`
	Shape []int  `msgpack:"shape"`
	Data  []byte `msgpack:"data"`
}

// EncodeTensorList writes an ordered list of tensors with msgpack.
// The list carries no names and no metadata; position is the only key.
func EncodeTensorList(w io.Writer, tensors []*tensor.Tensor) error {
	records := make([]tensorRecord, len(tensors))
	for i, t := range tensors {
		records[i] = tensorRecord{
			DType: t.DType().String(),
			Shape: []int(t.Shape().Clone()),
			Data:  t.Bytes(),
		}
	}
	if err := msgpack.NewEncoder(w).Encode(records); err != nil {
		return fmt.Errorf("failed to encode tensor list: %w", err)
	}
	return nil
}

// DecodeTensorList reads a list written by EncodeTensorList.
func DecodeTensorList(r io.Reader) ([]*tensor.Tensor, error) {
	var records []tensorRecord
	if err := msgpack.NewDecoder(r).Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("failed to decode tensor list: %w", err)
	}
	if len(records) > MaxTensorCount {
		return nil, &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(records), MaxTensorCount),
		}
	}

	out := make([]*tensor.Tensor, len(records))
	for i, rec := range records {
		dtype, err := tensor.ParseDataType(rec.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		t, err := tensor.FromBytes(rec.Data, dtype, tensor.Shape(rec.Shape))
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

// WriteTensorList writes an ordered tensor list to path.
func WriteTensorList(path string, tensors []*tensor.Tensor) error {
	//nolint:gosec // G304: File path comes from user input, which is expected for model saving
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	bw := bufio.NewWriter(file)
	if err := EncodeTensorList(bw, tensors); err != nil {
		_ = file.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return file.Close()
}

// ReadTensorList reads an ordered tensor list from path.
func ReadTensorList(path string) ([]*tensor.Tensor, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()
	return DecodeTensorList(bufio.NewReader(file))
}
