package lora

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/born-ml/lora/internal/logger"
	"github.com/born-ml/lora/internal/metrics"
	"github.com/born-ml/lora/internal/nn"
	"github.com/born-ml/lora/internal/serialization"
	"github.com/born-ml/lora/internal/tensor"
)

// WriteLegacy writes corrections as a bare ordered tensor list: up, down,
// up, down, ... with no names, ranks or targets.
func WriteLegacy(path string, tensors []*tensor.Tensor) error {
	if len(tensors)%2 != 0 {
		return &BundleMismatchError{Got: len(tensors), Reason: "legacy list must alternate up and down"}
	}
	if err := serialization.WriteTensorList(path, tensors); err != nil {
		return err
	}
	metrics.RecordBundleIO(metrics.DirectionWrite, len(tensors), listSize(tensors))
	return nil
}

// ReadLegacy reads a list written by WriteLegacy.
func ReadLegacy(path string) ([]*tensor.Tensor, error) {
	tensors, err := serialization.ReadTensorList(path)
	if err != nil {
		return nil, &CorruptBundleError{Key: path, Reason: "unreadable tensor list", Err: err}
	}
	if len(tensors)%2 != 0 {
		return nil, &CorruptBundleError{Key: path, Reason: fmt.Sprintf("odd tensor count %d", len(tensors))}
	}
	metrics.RecordBundleIO(metrics.DirectionRead, len(tensors), listSize(tensors))
	return tensors, nil
}

func listSize(tensors []*tensor.Tensor) int64 {
	var n int64
	for _, t := range tensors {
		n += int64(t.NumElements() * t.DType().Size())
	}
	return n
}

// SaveLegacy extracts the corrections below targets and writes them as a
// legacy list in the given precision on the CPU.
func SaveLegacy(g *nn.Graph, root nn.NodeID, targets []string, path string, dtype tensor.DataType) error {
	pairs, err := Extract(g, root, targets)
	if err != nil {
		return err
	}
	list := make([]*tensor.Tensor, 0, 2*len(pairs))
	for _, t := range Tensors(pairs) {
		list = append(list, t.To(tensor.CPU, dtype))
	}
	logger.Info("Saving weights", "path", path, "layers", len(pairs), "dtype", dtype.String())
	return WriteLegacy(path, list)
}

// LegacySource describes a legacy list file being converted to a bundle.
// The list carries no context, so the caller supplies the target tags and
// the rank. Rank 0 takes each rank from the tensors.
type LegacySource struct {
	Path    string
	Targets []string
	Rank    int
}

// LegacyToComponent pairs up a legacy list, checking it against rank.
func LegacyToComponent(tensors []*tensor.Tensor, targets []string, rank int) (*Component, error) {
	if len(tensors)%2 != 0 {
		return nil, &BundleMismatchError{Got: len(tensors), Reason: "legacy list must alternate up and down"}
	}
	c := &Component{Targets: slices.Clone(targets)}
	for i := 0; i < len(tensors); i += 2 {
		p := Pair{Up: tensors[i], Down: tensors[i+1]}
		if p.Down.Rank() == 0 || p.Up.Rank() < 2 || p.Up.Shape()[1] != p.Rank() {
			return nil, &BundleMismatchError{
				Layer:  fmt.Sprintf("pair %d", i/2),
				Reason: fmt.Sprintf("up %v and down %v do not share a rank", p.Up.Shape(), p.Down.Shape()),
			}
		}
		if rank != 0 && p.Rank() != rank {
			return nil, &BundleMismatchError{Layer: fmt.Sprintf("pair %d", i/2), Reason: "rank", Expected: rank, Got: p.Rank()}
		}
		c.Pairs = append(c.Pairs, p)
		c.Ranks = append(c.Ranks, p.Rank())
	}
	return c, nil
}

// ConvertLegacy reads each named legacy list and writes them, with embeds,
// as one self-describing bundle at out.
func ConvertLegacy(out string, sources map[string]LegacySource, embeds map[string]*tensor.Tensor) error {
	start := time.Now()
	defer metrics.RecordSurgery("convert", start)

	b := NewBundle()
	for _, name := range slices.Sorted(maps.Keys(sources)) {
		src := sources[name]
		tensors, err := ReadLegacy(src.Path)
		if err != nil {
			return err
		}
		c, err := LegacyToComponent(tensors, src.Targets, src.Rank)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		b.Components[name] = c
	}
	maps.Copy(b.Embeds, embeds)
	return WriteBundle(out, b)
}

type jsonExport struct {
	Ups   []any `json:"ups"`
	Downs []any `json:"downs"`
}

// ExportJSON writes the corrections below targets as {"ups": [...],
// "downs": [...]}, each tensor as nested number arrays of its own shape.
func ExportJSON(g *nn.Graph, root nn.NodeID, targets []string, path string) error {
	pairs, err := Extract(g, root, targets)
	if err != nil {
		return err
	}
	out := jsonExport{Ups: make([]any, 0, len(pairs)), Downs: make([]any, 0, len(pairs))}
	for _, p := range pairs {
		out.Ups = append(out.Ups, nested(p.Up.Data(), p.Up.Shape()))
		out.Downs = append(out.Downs, nested(p.Down.Data(), p.Down.Shape()))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode corrections: %w", err)
	}
	//nolint:gosec // G306: exported weights are not secret
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// nested reshapes flat row-major data into nested slices.
func nested(data []float32, shape tensor.Shape) any {
	if len(shape) <= 1 {
		return slices.Clone(data)
	}
	n := shape[0]
	stride := len(data) / max(n, 1)
	rows := make([]any, n)
	for i := range rows {
		rows[i] = nested(data[i*stride:(i+1)*stride], shape[1:])
	}
	return rows
}
