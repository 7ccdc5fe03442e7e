// Package ingest drives the read -> embed -> index pipeline over a source
// directory, with durable resumable progress.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/aula-cloud/asistente/internal/domain"
	"github.com/aula-cloud/asistente/internal/metrics"
	"github.com/aula-cloud/asistente/internal/reader"
)

// placeholderText seeds an otherwise empty index so retrieval never runs
// against a null index.
const placeholderText = "No hay contexto disponible."

// Service is the ingestion coordinator. It walks a source directory, skips
// sources already in the ledger, and persists index snapshot plus ledger
// entry after every source so a crash loses at most the source in flight.
type Service struct {
	reader   SourceReader
	embedder domain.Embedder
	index    Index
	ledger   Ledger
	logger   *zap.Logger

	snapshotPath  string
	maxAttempts   int
	shortCooldown time.Duration
	longCooldown  time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
}

// New creates an ingestion coordinator writing snapshots to snapshotPath.
func New(
	r SourceReader,
	embedder domain.Embedder,
	index Index,
	ledger Ledger,
	snapshotPath string,
	logger *zap.Logger,
) *Service {
	return &Service{
		reader:        r,
		embedder:      embedder,
		index:         index,
		ledger:        ledger,
		logger:        logger,
		snapshotPath:  snapshotPath,
		maxAttempts:   3,
		shortCooldown: 2 * time.Second,
		longCooldown:  30 * time.Second,
		sleep:         sleepCtx,
	}
}

// WithRetry overrides the retry policy. shortCooldown grows exponentially
// across attempts for transient errors; longCooldown is the flat wait after
// a rate-limit signal.
func (s *Service) WithRetry(maxAttempts int, shortCooldown, longCooldown time.Duration) *Service {
	s.maxAttempts = maxAttempts
	s.shortCooldown = shortCooldown
	s.longCooldown = longCooldown
	return s
}

// WithSleep overrides the cooldown sleeper (tests).
func (s *Service) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Service {
	s.sleep = sleep
	return s
}

// Run ingests every pending source under sourceDir. Per-source failures are
// contained: a source that exhausts its attempts is logged, skipped, and
// stays out of the ledger so the next run retries it. Only dimension
// mismatches (a configuration bug) and context cancellation abort the run.
func (s *Service) Run(ctx context.Context, sourceDir string) error {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		s.logger.Warn("Source directory not readable, nothing to ingest",
			zap.String("dir", sourceDir), zap.Error(err))
	}

	for _, entry := range entries {
		if entry.IsDir() || !reader.Supported(entry.Name()) {
			continue
		}
		if s.ledger.Has(entry.Name()) {
			metrics.IngestSourcesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ingestion interrupted: %w", err)
		}

		err := s.ingestSource(ctx, filepath.Join(sourceDir, entry.Name()), entry.Name())
		switch {
		case err == nil:
			metrics.IngestSourcesTotal.WithLabelValues("succeeded").Inc()
		case errors.Is(err, domain.ErrDimensionMismatch):
			// Mixing dimensionalities corrupts the index; never skip past it.
			return fmt.Errorf("ingest %s: %w", entry.Name(), err)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("ingest %s: %w", entry.Name(), err)
		default:
			metrics.IngestSourcesTotal.WithLabelValues("failed").Inc()
			s.logger.Error("Source failed, will retry on next run",
				zap.String("source", entry.Name()), zap.Error(err))
		}
	}

	if s.index.Len() == 0 {
		s.seedPlaceholder(ctx)
	}

	metrics.IndexRecords.Set(float64(s.index.Len()))
	return nil
}

// sourceRun tracks per-source progress across attempts so retries stay
// idempotent: once records are in the index, later attempts only redo the
// persistence steps and never re-insert.
type sourceRun struct {
	chunks   int
	inserted bool
}

// ingestSource attempts one source up to maxAttempts times with
// error-classified cooldowns between attempts.
func (s *Service) ingestSource(ctx context.Context, path, sourceID string) error {
	var lastErr error
	var run sourceRun

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.tryIngest(ctx, path, sourceID, &run)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrUnreadableSource) || errors.Is(err, domain.ErrDimensionMismatch) {
			// Not transient; retrying cannot help.
			return err
		}
		lastErr = err

		if attempt == s.maxAttempts {
			break
		}

		cooldown, cause := s.classifyCooldown(err, attempt)
		metrics.IngestRetriesTotal.WithLabelValues(cause).Inc()
		s.logger.Warn("Source attempt failed, cooling down",
			zap.String("source", sourceID),
			zap.Int("attempt", attempt),
			zap.Duration("cooldown", cooldown),
			zap.Error(err))

		if err := s.sleep(ctx, cooldown); err != nil {
			return fmt.Errorf("cooldown interrupted: %w", err)
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", s.maxAttempts, lastErr)
}

// classifyCooldown picks the wait before the next attempt: a flat long
// cooldown for rate limits, exponential growth from shortCooldown otherwise.
func (s *Service) classifyCooldown(err error, attempt int) (time.Duration, string) {
	if errors.Is(err, domain.ErrRateLimited) {
		return s.longCooldown, "rate_limit"
	}
	return s.shortCooldown << (attempt - 1), "transient"
}

// tryIngest runs one read -> embed -> insert -> persist pass. The insert
// phase runs at most once per source; a failed Save or ledger Add retries
// only the persistence steps, so records are never duplicated. The ledger
// entry is written only after the snapshot is durable, so a crash between
// the two re-processes this one source and nothing else.
func (s *Service) tryIngest(ctx context.Context, path, sourceID string, run *sourceRun) error {
	if !run.inserted {
		chunks, err := s.reader.Read(path)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		run.chunks = len(chunks)

		if len(chunks) > 0 {
			records, err := s.embedChunks(ctx, chunks)
			if err != nil {
				return err
			}
			if err := s.index.Insert(records...); err != nil {
				return fmt.Errorf("insert records: %w", err)
			}
		} else {
			s.logger.Info("Source has no extractable text", zap.String("source", sourceID))
		}
		run.inserted = true
	}

	if run.chunks > 0 {
		if err := s.index.Save(s.snapshotPath); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}

	if err := s.ledger.Add(sourceID); err != nil {
		return fmt.Errorf("record in ledger: %w", err)
	}

	s.logger.Info("Source ingested",
		zap.String("source", sourceID),
		zap.Int("chunks", run.chunks),
		zap.Int("index_records", s.index.Len()))
	return nil
}

func (s *Service) embedChunks(ctx context.Context, chunks []domain.Chunk) ([]domain.Record, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var res domain.BatchEmbeddingResult
	var err error
	if be, ok := s.embedder.(domain.BatchEmbedder); ok {
		res, err = be.BatchEmbed(ctx, texts)
	} else {
		res, err = domain.BatchFallback(ctx, s.embedder, texts)
	}
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(res.Embeddings) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks: %w",
			len(res.Embeddings), len(chunks), domain.ErrProviderUnavailable)
	}

	records := make([]domain.Record, len(chunks))
	for i, c := range chunks {
		records[i] = domain.Record{Chunk: c, Embedding: res.Embeddings[i]}
	}
	return records, nil
}

// seedPlaceholder inserts a single placeholder record into an empty index so
// downstream retrieval always has something to return. Falls back to a zero
// vector when the provider is down; the placeholder is deliberately not
// persisted so a later successful run starts clean.
func (s *Service) seedPlaceholder(ctx context.Context) {
	embedding := make([]float32, s.index.Dimensions())

	res, err := s.embedder.Embed(ctx, placeholderText)
	if err == nil && len(res.Embedding) == s.index.Dimensions() {
		embedding = res.Embedding
	} else if err != nil {
		s.logger.Warn("Placeholder embedding failed, seeding zero vector", zap.Error(err))
	}

	record := domain.Record{
		Chunk:     domain.Chunk{Text: placeholderText, SourceID: "placeholder", Sequence: 0},
		Embedding: embedding,
	}
	if err := s.index.Insert(record); err != nil {
		s.logger.Error("Failed to seed placeholder record", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
