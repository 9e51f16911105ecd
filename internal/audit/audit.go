// Package audit persists one execution record per evaluated rule and
// computes the canonical context digest stored alongside it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/metrics"
)

const writeTimeout = 2 * time.Second

// Store is the append-only sink for execution records.
type Store interface {
	InsertExecutionRecords(ctx context.Context, records []core.ExecutionRecord) error
}

// Recorder writes execution records without ever failing the caller.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Recorder)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// NewRecorder returns a Recorder. A nil store discards records.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record writes records best-effort. Failures are logged and counted; the
// write outlives request cancellation but is bounded by its own timeout.
func (r *Recorder) Record(ctx context.Context, records []core.ExecutionRecord) {
	if r == nil || r.store == nil || len(records) == 0 {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.store.InsertExecutionRecords(writeCtx, records); err != nil {
		for range records {
			r.metrics.IncAuditWriteFailures()
		}
		r.logger.Warn("failed to write execution records",
			"execution_id", records[0].ExecutionID,
			"entry_point", records[0].EntryPoint,
			"records", len(records),
			"error", err,
		)
	}
}

// Digest returns the hex SHA-256 of the RFC 8785 canonical JSON of the
// context slice named by keys. With no keys the whole context except the
// session section is digested.
func Digest(data any, keys []string) (string, error) {
	slice := Slice(data, keys)
	encoded, err := json.Marshal(slice)
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize context: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Slice selects the top-level keys of data that feed the digest.
func Slice(data any, keys []string) map[string]any {
	root, ok := data.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(root))
	if len(keys) == 0 {
		for k, v := range root {
			if k == "session" {
				continue
			}
			out[k] = v
		}
		return out
	}
	for _, k := range keys {
		if v, ok := root[k]; ok {
			out[k] = v
		}
	}
	return out
}
