// Package logctx carries a zerolog logger through context.Context so that
// per-shard fields (shard name, shard index) reach every log line emitted
// while that shard is processed.
//
//	ctx = logctx.WithLogger(ctx, logging.WithPhase("split"))
//	ctx = logctx.WithShard(ctx, path, i)
//	logctx.FromContext(ctx).Warn().Msg("...")
package logctx

import (
	"context"
	"path/filepath"

	"github.com/eunmann/langcorpus/pkg/logging"
	"github.com/rs/zerolog"
)

type loggerKey struct{}

// WithLogger returns a copy of ctx carrying logger. A nil ctx is treated as
// context.Background().
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or the global logger from
// pkg/logging when there is none.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return *logging.L()
}

// WithStr adds a string field to the context logger.
func WithStr(ctx context.Context, key, value string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Str(key, value).Logger())
}

// WithInt adds an int field to the context logger.
func WithInt(ctx context.Context, key string, value int) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Int(key, value).Logger())
}

// WithShard tags the context logger with the shard's file name and its index
// in the sorted shard listing.
func WithShard(ctx context.Context, path string, index int) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().
		Str("shard", filepath.Base(path)).
		Int("shard_index", index).
		Logger())
}
