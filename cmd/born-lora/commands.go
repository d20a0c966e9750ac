package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/born-ml/lora/internal/config"
	"github.com/born-ml/lora/internal/logger"
	"github.com/born-ml/lora/internal/lora"
)

// setup loads the config at path, configures logging and, when enabled,
// starts the metrics endpoint.
func setup(path string) (*config.Config, error) {
	if path == "" {
		return nil, errors.New("-config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if cfg.Metrics.Enabled {
		serveMetrics(cfg.Metrics.Addr)
	}
	return cfg, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics serving", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", "error", err)
		}
	}()
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("born-lora "+name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// patchOptions builds the patch settings shared by inspect, merge and
// extract. Embeddings are applied only when the pipeline has a vocabulary
// and, for a legacy set, when its embedding file exists.
func patchOptions(cfg *config.Config, p *lora.Pipeline, path string) lora.PatchOptions {
	opts := lora.DefaultPatchOptions()
	opts.Extended = cfg.Lora.Extended
	opts.PatchTI = p.Vocab != nil
	if opts.PatchTI && strings.HasSuffix(path, lora.LegacyExt) {
		_, err := os.Stat(lora.EmbedLoraPath(path))
		opts.PatchTI = err == nil
	}
	_, opts.PatchText = p.Models[lora.ComponentTextEncoder]
	return opts
}

func runInspect(args []string, stdout io.Writer) error {
	fs := newFlagSet("inspect", stdout)
	cfgPath := fs.String("config", "", "Pipeline config (YAML)")
	patch := fs.String("lora", "", "Correction file to patch the pipeline with before inspecting")
	bundle := fs.String("bundle", "", "Bundle to list instead of a pipeline")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *bundle != "" {
		b, err := lora.ReadBundle(*bundle)
		if err != nil {
			return err
		}
		return printBundle(stdout, b)
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	p, err := cfg.Pipeline()
	if err != nil {
		return err
	}
	if *patch != "" {
		if _, err := lora.PatchPipeline(p, *patch, patchOptions(cfg, p, *patch)); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tPATH\tKIND\tRANK\tSCALE\tMEAN |DELTA|")
	for _, name := range slices.Sorted(maps.Keys(p.Models)) {
		m := p.Models[name]
		stats, err := lora.Inspect(m.Graph, m.Root, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%g\t%.6g\n", name, s.Path, s.Kind, s.Rank, s.Scale, s.MeanAbsDelta)
		}
	}
	return w.Flush()
}

func printBundle(out io.Writer, b *lora.Bundle) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tLAYERS\tRANKS\tTARGETS")
	for _, name := range slices.Sorted(maps.Keys(b.Components)) {
		c := b.Components[name]
		fmt.Fprintf(w, "%s\t%d\t%v\t%s\n", name, len(c.Pairs), c.Ranks, strings.Join(c.Targets, ","))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("print bundle: %w", err)
	}
	for _, token := range slices.Sorted(maps.Keys(b.Embeds)) {
		if _, err := fmt.Fprintf(out, "embed %s %v\n", token, b.Embeds[token].Shape()); err != nil {
			return fmt.Errorf("print bundle: %w", err)
		}
	}
	return nil
}

func runConvert(args []string, stdout io.Writer) error {
	fs := newFlagSet("convert", stdout)
	out := fs.String("out", "", "Output bundle (.safetensors)")
	unet := fs.String("unet", "", "Legacy backbone list")
	text := fs.String("text", "", "Legacy text encoder list")
	ti := fs.String("ti", "", "Legacy token embedding file")
	rank := fs.Int("rank", 0, "Expected rank of every pair (0 reads it from the tensors)")
	extended := fs.Bool("extended", false, "The backbone list was saved with the extended target set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("-out is required")
	}

	sources := make(map[string]lora.LegacySource)
	for _, src := range []struct {
		component, path string
		extended        bool
	}{
		{lora.ComponentUNet, *unet, *extended},
		{lora.ComponentTextEncoder, *text, false},
	} {
		if src.path == "" {
			continue
		}
		targets, err := lora.TargetsFor(src.component, src.extended)
		if err != nil {
			return err
		}
		sources[src.component] = lora.LegacySource{Path: src.path, Targets: targets.Classes, Rank: *rank}
	}
	b := lora.NewBundle()
	if *ti != "" {
		tb, err := lora.ReadBundle(*ti)
		if err != nil {
			return err
		}
		b.Embeds = tb.Embeds
	}
	if len(sources) == 0 && len(b.Embeds) == 0 {
		return errors.New("nothing to convert: pass -unet, -text or -ti")
	}
	if err := lora.ConvertLegacy(*out, sources, b.Embeds); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s (%d components, %d embeds)\n", *out, len(sources), len(b.Embeds))
	return nil
}

func runMerge(args []string, stdout io.Writer) error {
	fs := newFlagSet("merge", stdout)
	cfgPath := fs.String("config", "", "Pipeline config (YAML)")
	patch := fs.String("lora", "", "Correction file to merge")
	outDir := fs.String("out", "", "Directory for the merged checkpoints")
	format := fs.String("format", "born", "Checkpoint format: born or safetensors")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *patch == "" || *outDir == "" {
		return errors.New("-lora and -out are required")
	}
	if *format != "born" && *format != "safetensors" {
		return fmt.Errorf("invalid format: %q (want born or safetensors)", *format)
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	p, err := cfg.Pipeline()
	if err != nil {
		return err
	}
	opts := lora.MergePipelineOptions{
		Patch:     patchOptions(cfg, p, *patch),
		UNetAlpha: cfg.Lora.UNetAlpha,
		TextAlpha: cfg.Lora.TextAlpha,
	}
	if err := lora.MergePipeline(p, *patch, opts); err != nil {
		return err
	}

	if err := os.MkdirAll(*outDir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", *outDir, err)
	}
	for _, name := range slices.Sorted(maps.Keys(p.Models)) {
		m := p.Models[name]
		path := filepath.Join(*outDir, name+"."+*format)
		if err := config.WriteState(path, m.Graph.StateDict(m.Root), name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(stdout, "wrote %s\n", path)
	}
	return nil
}

func runExtract(args []string, stdout io.Writer) error {
	fs := newFlagSet("extract", stdout)
	cfgPath := fs.String("config", "", "Pipeline config (YAML)")
	patch := fs.String("lora", "", "Correction file to patch the pipeline with")
	out := fs.String("out", "", "Output path (.safetensors, .lora or .json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *patch == "" || *out == "" {
		return errors.New("-lora and -out are required")
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	p, err := cfg.Pipeline()
	if err != nil {
		return err
	}
	if _, err := lora.PatchPipeline(p, *patch, patchOptions(cfg, p, *patch)); err != nil {
		return err
	}

	if strings.HasSuffix(*out, ".json") {
		m, ok := p.Models[lora.ComponentUNet]
		if !ok {
			return fmt.Errorf("json export needs a %s model", lora.ComponentUNet)
		}
		targets, err := lora.TargetsFor(lora.ComponentUNet, cfg.Lora.Extended)
		if err != nil {
			return err
		}
		if err := lora.ExportJSON(m.Graph, m.Root, targets.Classes, *out); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", *out)
		return nil
	}

	opts := lora.DefaultSaveAllOptions()
	opts.Tokens = cfg.Lora.Tokens
	opts.SaveTI = p.Vocab != nil
	opts.Legacy = strings.HasSuffix(*out, lora.LegacyExt)
	if cfg.Lora.Extended {
		opts.UNetTargets = lora.UNetExtendedTargets()
	}
	if err := lora.SaveAll(p, *out, opts); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return nil
}
