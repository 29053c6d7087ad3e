package relic

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
)

type openConfig struct {
	workers   int
	container []ContainerOption
	validator []ValidatorOption
	logger    *slog.Logger
}

// OpenOption configures OpenMapFiles.
type OpenOption func(*openConfig)

// OpenWithWorkers sets the number of files loaded and validated
// concurrently. Zero uses GOMAXPROCS.
func OpenWithWorkers(n int) OpenOption {
	return func(c *openConfig) {
		c.workers = n
	}
}

// OpenWithContainerOptions forwards options to each container read.
func OpenWithContainerOptions(opts ...ContainerOption) OpenOption {
	return func(c *openConfig) {
		c.container = append(c.container, opts...)
	}
}

// OpenWithValidatorOptions forwards options to each validation pass.
func OpenWithValidatorOptions(opts ...ValidatorOption) OpenOption {
	return func(c *openConfig) {
		c.validator = append(c.validator, opts...)
	}
}

// OpenWithLogger sets the logger for open diagnostics. Logging is discarded
// by default.
func OpenWithLogger(logger *slog.Logger) OpenOption {
	return func(c *openConfig) {
		c.logger = logger
	}
}

func (c openConfig) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}

// OpenMapFiles loads and validates several archive containers concurrently,
// returning the views keyed by path. Each file gets its own buffer and its
// own Validator, so validations proceed independently; the first failure
// cancels the remaining loads.
func OpenMapFiles[K, V any](
	ctx context.Context,
	paths []string,
	kf Format[K],
	vf Format[V],
	opts ...OpenOption,
) (map[string]Map[K, V], error) {
	cfg := openConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	workers := cfg.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	views := make([]Map[K, V], len(paths))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, path := range paths {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			buf, root, err := LoadFile(path, cfg.container...)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			m, err := OpenMap(buf, root, kf, vf, cfg.validator...)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			views[i] = m
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Map[K, V], len(paths))
	for i, path := range paths {
		out[path] = views[i]
	}
	cfg.log().Debug("archives opened", "count", len(out), "workers", workers)
	return out, nil
}
