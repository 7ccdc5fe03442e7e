package query

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/aula-cloud/asistente/internal/domain"
)

// --- Mocks ---

type mockEmbedder struct {
	calls int
	err   error
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	m.calls++
	if m.err != nil {
		return domain.EmbeddingResult{}, m.err
	}
	return domain.EmbeddingResult{Embedding: []float32{1, 0, 0}}, nil
}

type mockTokenStream struct {
	tokens []string
	err    error
	closed bool
}

func (m *mockTokenStream) Recv() (string, error) {
	if len(m.tokens) == 0 {
		if m.err != nil {
			return "", m.err
		}
		return "", io.EOF
	}
	tok := m.tokens[0]
	m.tokens = m.tokens[1:]
	return tok, nil
}

func (m *mockTokenStream) Close() error {
	m.closed = true
	return nil
}

type mockCompleter struct {
	answer      string
	completeErr error
	stream      *mockTokenStream
	streamErr   error
	lastPrompt  string
	calls       int
}

func (m *mockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	m.calls++
	m.lastPrompt = prompt
	if m.completeErr != nil {
		return "", m.completeErr
	}
	return m.answer, nil
}

func (m *mockCompleter) Stream(ctx context.Context, prompt string) (domain.TokenStream, error) {
	m.calls++
	m.lastPrompt = prompt
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.stream, nil
}

type mockSearcher struct {
	records []domain.ScoredRecord
	calls   int
}

func (m *mockSearcher) Search(query []float32, k int) []domain.ScoredRecord {
	m.calls++
	return m.records
}

func (m *mockSearcher) Len() int { return len(m.records) }

func scoredRecord(text string) domain.ScoredRecord {
	return domain.ScoredRecord{
		Record: domain.Record{
			Chunk:     domain.Chunk{Text: text, SourceID: "doc.txt"},
			Embedding: []float32{1, 0, 0},
		},
		Score: 0.9,
	}
}

func testOptions() Options {
	return Options{
		TopK:            4,
		Greetings:       []string{"hola", "buenas", "buenos dias", "hey"},
		GreetingReply:   "Hola, soy tu asistente. En que te ayudo hoy?",
		NotReadyMessage: "El asistente se esta preparando, intenta en unos momentos.",
	}
}

func newReadyService(e *mockEmbedder, c *mockCompleter, idx *mockSearcher) *Service {
	s := New(e, c, idx, testOptions(), zap.NewNop())
	s.SetReady()
	return s
}

func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var tokens []string
	for tok := range ch {
		tokens = append(tokens, tok)
	}
	return tokens
}

// --- Tests ---

func TestAnswer_GreetingShortCircuit(t *testing.T) {
	e := &mockEmbedder{}
	c := &mockCompleter{}
	idx := &mockSearcher{}
	s := newReadyService(e, c, idx)

	for _, input := range []string{"hola", "Buenos dias", "  HOLA  ", "hey!"} {
		got := s.Answer(context.Background(), input, "")
		if got != testOptions().GreetingReply {
			t.Fatalf("input %q: expected canned greeting, got %q", input, got)
		}
	}
	if e.calls != 0 || idx.calls != 0 || c.calls != 0 {
		t.Fatal("greeting must bypass retrieval and completion")
	}
}

func TestAnswer_LongInputNotShortCircuited(t *testing.T) {
	e := &mockEmbedder{}
	c := &mockCompleter{answer: "Conecta el cable HDMI primero."}
	idx := &mockSearcher{records: []domain.ScoredRecord{scoredRecord("manual de pantallas")}}
	s := newReadyService(e, c, idx)

	got := s.Answer(context.Background(), "hola, explicame como conectar la pantalla paso a paso", "")
	if got != c.answer {
		t.Fatalf("expected grounded answer, got %q", got)
	}
	if e.calls != 1 || idx.calls != 1 {
		t.Fatal("long input must go through retrieval")
	}
}

func TestAnswer_NotReady(t *testing.T) {
	e := &mockEmbedder{}
	c := &mockCompleter{}
	s := New(e, c, &mockSearcher{}, testOptions(), zap.NewNop())

	got := s.Answer(context.Background(), "como funciona la fotosintesis", "")
	if got != testOptions().NotReadyMessage {
		t.Fatalf("expected not-ready message, got %q", got)
	}
	if e.calls != 0 || c.calls != 0 {
		t.Fatal("not-ready must not touch the provider")
	}
}

func TestAnswer_PromptIncludesContextAndQuestion(t *testing.T) {
	c := &mockCompleter{answer: "respuesta"}
	idx := &mockSearcher{records: []domain.ScoredRecord{
		scoredRecord("la fotosintesis convierte luz en energia"),
	}}
	s := newReadyService(&mockEmbedder{}, c, idx)

	question := "que es la fotosintesis"
	s.Answer(context.Background(), question, "Ciencias")

	if !strings.Contains(c.lastPrompt, "la fotosintesis convierte luz en energia") {
		t.Fatalf("prompt missing retrieved context: %q", c.lastPrompt)
	}
	if !strings.Contains(c.lastPrompt, question) {
		t.Fatalf("prompt missing question: %q", c.lastPrompt)
	}
	if !strings.Contains(c.lastPrompt, "Ciencias") {
		t.Fatalf("prompt missing subject: %q", c.lastPrompt)
	}
}

func TestAnswer_EmptyIndexStillAnswers(t *testing.T) {
	c := &mockCompleter{answer: "sin contexto disponible"}
	s := newReadyService(&mockEmbedder{}, c, &mockSearcher{})

	got := s.Answer(context.Background(), "una pregunta cualquiera", "")
	if got != c.answer {
		t.Fatalf("empty index must still answer, got %q", got)
	}
}

func TestAnswer_ProviderFailureIsDisplayable(t *testing.T) {
	c := &mockCompleter{completeErr: fmt.Errorf("boom: %w", domain.ErrProviderUnavailable)}
	s := newReadyService(&mockEmbedder{}, c, &mockSearcher{})

	got := s.Answer(context.Background(), "una pregunta cualquiera", "")
	if got != errUnavailableMessage {
		t.Fatalf("expected displayable error, got %q", got)
	}
}

func TestAnswer_RateLimitIsDisplayable(t *testing.T) {
	c := &mockCompleter{completeErr: fmt.Errorf("429: %w", domain.ErrRateLimited)}
	s := newReadyService(&mockEmbedder{}, c, &mockSearcher{})

	got := s.Answer(context.Background(), "una pregunta cualquiera", "")
	if got != errBusyMessage {
		t.Fatalf("expected busy message, got %q", got)
	}
}

func TestAnswerStream_ForwardsTokensAndCloses(t *testing.T) {
	stream := &mockTokenStream{tokens: []string{"La ", "fotosintesis ", "convierte luz."}}
	c := &mockCompleter{stream: stream}
	s := newReadyService(&mockEmbedder{}, c, &mockSearcher{})

	tokens := collect(t, s.AnswerStream(context.Background(), "que es la fotosintesis", ""))
	if strings.Join(tokens, "") != "La fotosintesis convierte luz." {
		t.Fatalf("unexpected tokens: %v", tokens)
	}
	if !stream.closed {
		t.Fatal("provider stream must be closed")
	}
}

func TestAnswerStream_MidStreamErrorEmitsFinalToken(t *testing.T) {
	stream := &mockTokenStream{
		tokens: []string{"La respuesta "},
		err:    fmt.Errorf("boom: %w", domain.ErrProviderUnavailable),
	}
	c := &mockCompleter{stream: stream}
	s := newReadyService(&mockEmbedder{}, c, &mockSearcher{})

	tokens := collect(t, s.AnswerStream(context.Background(), "una pregunta cualquiera", ""))
	if len(tokens) != 2 {
		t.Fatalf("expected content token plus error token, got %v", tokens)
	}
	if !strings.Contains(tokens[1], errUnavailableMessage) {
		t.Fatalf("expected final error token, got %q", tokens[1])
	}
	if !stream.closed {
		t.Fatal("provider stream must be closed after failure")
	}
}

func TestAnswerStream_OpenFailureEmitsSingleErrorToken(t *testing.T) {
	c := &mockCompleter{streamErr: fmt.Errorf("429: %w", domain.ErrRateLimited)}
	s := newReadyService(&mockEmbedder{}, c, &mockSearcher{})

	tokens := collect(t, s.AnswerStream(context.Background(), "una pregunta cualquiera", ""))
	if len(tokens) != 1 || tokens[0] != errBusyMessage {
		t.Fatalf("expected single busy token, got %v", tokens)
	}
}

func TestAnswerStream_GreetingPacedWordByWord(t *testing.T) {
	e := &mockEmbedder{}
	c := &mockCompleter{}
	s := newReadyService(e, c, &mockSearcher{})

	tokens := collect(t, s.AnswerStream(context.Background(), "hola", ""))
	if strings.Join(tokens, "") != testOptions().GreetingReply {
		t.Fatalf("reassembled greeting mismatch: %v", tokens)
	}
	if len(tokens) < 2 {
		t.Fatalf("expected word-by-word emission, got %v", tokens)
	}
	if e.calls != 0 || c.calls != 0 {
		t.Fatal("greeting stream must bypass the provider")
	}
}

func TestAnswerStream_NotReady(t *testing.T) {
	s := New(&mockEmbedder{}, &mockCompleter{}, &mockSearcher{}, testOptions(), zap.NewNop())

	tokens := collect(t, s.AnswerStream(context.Background(), "una pregunta cualquiera", ""))
	if strings.Join(tokens, "") != testOptions().NotReadyMessage {
		t.Fatalf("expected not-ready message, got %v", tokens)
	}
}

func TestAnswerStream_CancelledConsumerTerminates(t *testing.T) {
	stream := &mockTokenStream{tokens: []string{"uno", "dos", "tres", "cuatro"}}
	c := &mockCompleter{stream: stream}
	s := newReadyService(&mockEmbedder{}, c, &mockSearcher{})

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.AnswerStream(ctx, "una pregunta cualquiera", "")

	if tok, ok := <-ch; !ok || tok != "uno" {
		t.Fatalf("expected first token, got %q (%v)", tok, ok)
	}
	cancel()

	// Producer must stop and close; drain whatever was in flight.
	for range ch {
	}
}
