// Package parallel splits independent index ranges across goroutines for
// the tensor kernels.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled    bool // Whether parallel execution is enabled.
	NumWorkers int  // Upper bound on goroutines.
	// MinChunkSize is the least number of items one goroutine handles.
	// Kernels whose items are whole GEMMs use 1.
	MinChunkSize int
}

// DefaultConfig returns defaults based on CPU count for fine-grained items.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64,
	}
}

// Coarse returns DefaultConfig for items that are each a sizeable kernel.
func Coarse() Config {
	cfg := DefaultConfig()
	cfg.MinChunkSize = 1
	return cfg
}

// For executes f(i) for i in [0, n). f must be safe to call concurrently
// for distinct i. Small ranges and a disabled config run sequentially.
func For(n int, f func(i int), cfg Config) {
	workers := cfg.NumWorkers
	if !cfg.Enabled || workers <= 1 || n < 2*max(cfg.MinChunkSize, 1) {
		for i := range n {
			f(i)
		}
		return
	}

	chunk := max((n+workers-1)/workers, cfg.MinChunkSize, 1)
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := start; i < end; i++ {
				f(i)
			}
		}()
	}
	wg.Wait()
}

// ForBatch runs f over every (batch, group) pair, the iteration shape of
// grouped convolution.
func ForBatch(batch, groups int, f func(b, g int), cfg Config) {
	For(batch*groups, func(k int) {
		f(k/groups, k%groups)
	}, cfg)
}

// ForErr is For for fallible work. It returns the error of the lowest
// failing index, or nil.
func ForErr(n int, f func(i int) error, cfg Config) error {
	errs := make([]error, n)
	For(n, func(i int) { errs[i] = f(i) }, cfg)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
