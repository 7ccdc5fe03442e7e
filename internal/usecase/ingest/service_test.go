package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aula-cloud/asistente/internal/domain"
)

// --- Mocks ---

type mockReader struct {
	chunks map[string][]domain.Chunk
	err    map[string]error
}

func (m *mockReader) Read(path string) ([]domain.Chunk, error) {
	name := filepath.Base(path)
	if err, ok := m.err[name]; ok {
		return nil, err
	}
	return m.chunks[name], nil
}

type mockEmbedder struct {
	batchCalls int
	singleCall int
	dims       int
	errs       []error
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	m.singleCall++
	if err := m.nextErr(); err != nil {
		return domain.EmbeddingResult{}, err
	}
	return domain.EmbeddingResult{Embedding: make([]float32, m.dims)}, nil
}

func (m *mockEmbedder) BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	m.batchCalls++
	if err := m.nextErr(); err != nil {
		return domain.BatchEmbeddingResult{}, err
	}
	embeddings := make([][]float32, len(texts))
	for i := range texts {
		embeddings[i] = make([]float32, m.dims)
	}
	return domain.BatchEmbeddingResult{Embeddings: embeddings}, nil
}

func (m *mockEmbedder) nextErr() error {
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

type mockIndex struct {
	dims      int
	records   []domain.Record
	saves     int
	insertErr error
	saveErrs  []error
}

func (m *mockIndex) Insert(records ...domain.Record) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *mockIndex) Save(path string) error {
	if len(m.saveErrs) > 0 {
		err := m.saveErrs[0]
		m.saveErrs = m.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	m.saves++
	return nil
}

func (m *mockIndex) Len() int        { return len(m.records) }
func (m *mockIndex) Dimensions() int { return m.dims }

type mockLedger struct {
	done    map[string]bool
	addErrs []error
}

func (m *mockLedger) Has(sourceID string) bool { return m.done[sourceID] }

func (m *mockLedger) Add(sourceID string) error {
	if len(m.addErrs) > 0 {
		err := m.addErrs[0]
		m.addErrs = m.addErrs[1:]
		if err != nil {
			return err
		}
	}
	if m.done == nil {
		m.done = make(map[string]bool)
	}
	m.done[sourceID] = true
	return nil
}

func writeSources(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("contenido"), 0o644); err != nil {
			t.Fatalf("write source: %v", err)
		}
	}
	return dir
}

func chunksFor(name string, n int) []domain.Chunk {
	chunks := make([]domain.Chunk, n)
	for i := range chunks {
		chunks[i] = domain.Chunk{Text: fmt.Sprintf("%s-%d", name, i), SourceID: name, Sequence: i}
	}
	return chunks
}

func newTestService(r *mockReader, e *mockEmbedder, idx *mockIndex, l *mockLedger) *Service {
	return New(r, e, idx, l, filepath.Join("unused", "index.json"), zap.NewNop()).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })
}

// --- Tests ---

func TestRun_IngestsPendingSources(t *testing.T) {
	dir := writeSources(t, "a.txt", "b.md")
	r := &mockReader{chunks: map[string][]domain.Chunk{
		"a.txt": chunksFor("a.txt", 2),
		"b.md":  chunksFor("b.md", 1),
	}}
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{}

	if err := newTestService(r, e, idx, l).Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(idx.records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(idx.records))
	}
	if !l.done["a.txt"] || !l.done["b.md"] {
		t.Fatalf("expected both sources in ledger: %v", l.done)
	}
	if idx.saves != 2 {
		t.Fatalf("expected snapshot per source, got %d saves", idx.saves)
	}
}

func TestRun_SkipsLedgeredSources(t *testing.T) {
	dir := writeSources(t, "a.txt", "b.txt")
	r := &mockReader{chunks: map[string][]domain.Chunk{
		"a.txt": chunksFor("a.txt", 1),
		"b.txt": chunksFor("b.txt", 1),
	}}
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{done: map[string]bool{"a.txt": true}}

	if err := newTestService(r, e, idx, l).Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.batchCalls != 1 {
		t.Fatalf("expected 1 embed batch for pending source, got %d", e.batchCalls)
	}
	if len(idx.records) != 1 || idx.records[0].SourceID != "b.txt" {
		t.Fatalf("expected only b.txt ingested: %+v", idx.records)
	}
}

func TestRun_SkipsUnsupportedFiles(t *testing.T) {
	dir := writeSources(t, "a.txt", "image.png", "data.bin")
	r := &mockReader{chunks: map[string][]domain.Chunk{"a.txt": chunksFor("a.txt", 1)}}
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{}

	if err := newTestService(r, e, idx, l).Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.batchCalls != 1 {
		t.Fatalf("expected 1 embed batch, got %d", e.batchCalls)
	}
}

func TestRun_RateLimitUsesLongCooldown(t *testing.T) {
	dir := writeSources(t, "a.txt")
	r := &mockReader{chunks: map[string][]domain.Chunk{"a.txt": chunksFor("a.txt", 1)}}
	e := &mockEmbedder{dims: 3, errs: []error{
		fmt.Errorf("quota: %w", domain.ErrRateLimited),
	}}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{}

	var waits []time.Duration
	svc := New(r, e, idx, l, "index.json", zap.NewNop()).
		WithRetry(3, 2*time.Second, 30*time.Second).
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		})

	if err := svc.Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waits) != 1 || waits[0] != 30*time.Second {
		t.Fatalf("expected one long cooldown, got %v", waits)
	}
	if !l.done["a.txt"] {
		t.Fatal("expected source ingested after retry")
	}
}

func TestRun_TransientUsesExponentialBackoff(t *testing.T) {
	dir := writeSources(t, "a.txt")
	r := &mockReader{chunks: map[string][]domain.Chunk{"a.txt": chunksFor("a.txt", 1)}}
	e := &mockEmbedder{dims: 3, errs: []error{
		fmt.Errorf("boom: %w", domain.ErrProviderUnavailable),
		fmt.Errorf("boom: %w", domain.ErrProviderUnavailable),
	}}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{}

	var waits []time.Duration
	svc := New(r, e, idx, l, "index.json", zap.NewNop()).
		WithRetry(3, 2*time.Second, 30*time.Second).
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		})

	if err := svc.Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 4*time.Second {
		t.Fatalf("expected growing cooldowns, got %v", waits)
	}
}

func TestRun_SaveRetryDoesNotDuplicateRecords(t *testing.T) {
	dir := writeSources(t, "a.txt")
	r := &mockReader{chunks: map[string][]domain.Chunk{"a.txt": chunksFor("a.txt", 2)}}
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3, saveErrs: []error{
		fmt.Errorf("disk hiccup: %w", domain.ErrIndexUnavailable),
	}}
	l := &mockLedger{}

	var waits []time.Duration
	svc := New(r, e, idx, l, "index.json", zap.NewNop()).
		WithRetry(3, 2*time.Second, 30*time.Second).
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		})

	if err := svc.Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(idx.records) != 2 {
		t.Fatalf("retried persist must not re-insert, got %d records", len(idx.records))
	}
	if e.batchCalls != 1 {
		t.Fatalf("retried persist must not re-embed, got %d batches", e.batchCalls)
	}
	if idx.saves != 1 {
		t.Fatalf("expected exactly one successful save, got %d", idx.saves)
	}
	if !l.done["a.txt"] {
		t.Fatal("expected source ledgered after retry")
	}
	if len(waits) != 1 {
		t.Fatalf("expected one cooldown between attempts, got %v", waits)
	}
}

func TestRun_LedgerRetryDoesNotDuplicateRecords(t *testing.T) {
	dir := writeSources(t, "a.txt")
	r := &mockReader{chunks: map[string][]domain.Chunk{"a.txt": chunksFor("a.txt", 2)}}
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{addErrs: []error{errors.New("ledger write failed")}}

	svc := New(r, e, idx, l, "index.json", zap.NewNop()).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	if err := svc.Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(idx.records) != 2 {
		t.Fatalf("retried ledger write must not re-insert, got %d records", len(idx.records))
	}
	if e.batchCalls != 1 {
		t.Fatalf("retried ledger write must not re-embed, got %d batches", e.batchCalls)
	}
	if !l.done["a.txt"] {
		t.Fatal("expected source ledgered after retry")
	}
}

func TestRun_ExhaustedAttemptsContinuesRun(t *testing.T) {
	dir := writeSources(t, "a.txt", "b.txt")
	r := &mockReader{chunks: map[string][]domain.Chunk{
		"a.txt": chunksFor("a.txt", 1),
		"b.txt": chunksFor("b.txt", 1),
	}}
	e := &mockEmbedder{dims: 3, errs: []error{
		domain.ErrProviderUnavailable,
		domain.ErrProviderUnavailable,
	}}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{}

	svc := New(r, e, idx, l, "index.json", zap.NewNop()).
		WithRetry(2, time.Millisecond, time.Millisecond).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	if err := svc.Run(context.Background(), dir); err != nil {
		t.Fatalf("expected run to continue past failed source, got %v", err)
	}
	if l.done["a.txt"] {
		t.Fatal("failed source must stay out of the ledger")
	}
	if !l.done["b.txt"] {
		t.Fatal("later source must still be ingested")
	}
}

func TestRun_UnreadableSourceNotRetried(t *testing.T) {
	dir := writeSources(t, "a.txt")
	r := &mockReader{err: map[string]error{
		"a.txt": fmt.Errorf("%w: a.txt: bad bytes", domain.ErrUnreadableSource),
	}}
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3, records: []domain.Record{{Chunk: domain.Chunk{Text: "x"}}}}
	l := &mockLedger{}

	var waits []time.Duration
	svc := New(r, e, idx, l, "index.json", zap.NewNop()).
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		})

	if err := svc.Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waits) != 0 {
		t.Fatalf("unreadable source must not cool down, got %v", waits)
	}
	if l.done["a.txt"] {
		t.Fatal("unreadable source must stay out of the ledger")
	}
}

func TestRun_DimensionMismatchAborts(t *testing.T) {
	dir := writeSources(t, "a.txt", "b.txt")
	r := &mockReader{chunks: map[string][]domain.Chunk{
		"a.txt": chunksFor("a.txt", 1),
		"b.txt": chunksFor("b.txt", 1),
	}}
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3, insertErr: fmt.Errorf("%w: got 2, want 3", domain.ErrDimensionMismatch)}
	l := &mockLedger{}

	err := newTestService(r, e, idx, l).Run(context.Background(), dir)
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch to abort, got %v", err)
	}
	if e.batchCalls != 1 {
		t.Fatalf("expected no further sources after abort, got %d batches", e.batchCalls)
	}
}

func TestRun_EmptySourceStillLedgered(t *testing.T) {
	dir := writeSources(t, "empty.txt")
	r := &mockReader{chunks: map[string][]domain.Chunk{"empty.txt": nil}}
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3, records: []domain.Record{{Chunk: domain.Chunk{Text: "x"}}}}
	l := &mockLedger{}

	if err := newTestService(r, e, idx, l).Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.done["empty.txt"] {
		t.Fatal("empty source must be ledgered so it is not re-read")
	}
	if e.batchCalls != 0 {
		t.Fatalf("expected no embedding for empty source, got %d", e.batchCalls)
	}
}

func TestRun_SeedsPlaceholderWhenIndexEmpty(t *testing.T) {
	dir := t.TempDir()
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{}

	if err := newTestService(&mockReader{}, e, idx, l).Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(idx.records) != 1 {
		t.Fatalf("expected placeholder record, got %d", len(idx.records))
	}
	if !strings.Contains(idx.records[0].Text, "contexto") {
		t.Fatalf("unexpected placeholder text: %q", idx.records[0].Text)
	}
	if idx.saves != 0 {
		t.Fatal("placeholder must not be persisted")
	}
}

func TestRun_PlaceholderZeroVectorWhenProviderDown(t *testing.T) {
	dir := t.TempDir()
	e := &mockEmbedder{dims: 3, errs: []error{domain.ErrProviderUnavailable}}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{}

	if err := newTestService(&mockReader{}, e, idx, l).Run(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(idx.records) != 1 || len(idx.records[0].Embedding) != 3 {
		t.Fatalf("expected zero-vector placeholder: %+v", idx.records)
	}
	for _, v := range idx.records[0].Embedding {
		if v != 0 {
			t.Fatalf("expected zero vector, got %v", idx.records[0].Embedding)
		}
	}
}

func TestRun_MissingSourceDir(t *testing.T) {
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{}

	err := newTestService(&mockReader{}, e, idx, l).
		Run(context.Background(), filepath.Join(t.TempDir(), "no-such-dir"))
	if err != nil {
		t.Fatalf("missing source dir must not fail startup: %v", err)
	}
	if len(idx.records) != 1 {
		t.Fatal("expected placeholder seeding with missing source dir")
	}
}

func TestRun_CancelledContextStops(t *testing.T) {
	dir := writeSources(t, "a.txt")
	r := &mockReader{chunks: map[string][]domain.Chunk{"a.txt": chunksFor("a.txt", 1)}}
	e := &mockEmbedder{dims: 3}
	idx := &mockIndex{dims: 3}
	l := &mockLedger{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestService(r, e, idx, l).Run(ctx, dir)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if e.batchCalls != 0 {
		t.Fatal("no work expected after cancellation")
	}
}
