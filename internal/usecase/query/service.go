// Package query answers questions against the vector index, in one-shot and
// streaming form. Provider failures surface as displayable text rather than
// errors because the caller is an interactive chat surface.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aula-cloud/asistente/internal/domain"
	"github.com/aula-cloud/asistente/internal/metrics"
)

// greetingMaxRunes bounds how long a trimmed input may be and still count as
// a greeting. Anything longer goes through retrieval.
const greetingMaxRunes = 20

const (
	errBusyMessage        = "El asistente esta recibiendo muchas consultas. Intenta de nuevo en unos segundos."
	errUnavailableMessage = "El asistente no esta disponible en este momento. Intenta de nuevo mas tarde."
)

// Service is the query engine. It stays in "not ready" mode, answering with a
// fixed message, until SetReady is called after ingestion completes.
type Service struct {
	embedder  domain.Embedder
	completer domain.Completer
	index     Searcher
	logger    *zap.Logger

	topK            int
	greetings       []string
	greetingReply   string
	notReadyMessage string
	tokenDelay      time.Duration

	ready atomic.Bool
}

// Options holds the query engine tunables.
type Options struct {
	TopK            int
	Greetings       []string
	GreetingReply   string
	NotReadyMessage string
	TokenDelay      time.Duration
}

// New creates a query engine in the not-ready state.
func New(embedder domain.Embedder, completer domain.Completer, index Searcher, opts Options, logger *zap.Logger) *Service {
	greetings := make([]string, len(opts.Greetings))
	for i, g := range opts.Greetings {
		greetings[i] = strings.ToLower(strings.TrimSpace(g))
	}

	return &Service{
		embedder:        embedder,
		completer:       completer,
		index:           index,
		logger:          logger,
		topK:            opts.TopK,
		greetings:       greetings,
		greetingReply:   opts.GreetingReply,
		notReadyMessage: opts.NotReadyMessage,
		tokenDelay:      opts.TokenDelay,
	}
}

// SetReady marks the pipeline ready to serve grounded answers.
func (s *Service) SetReady() {
	s.ready.Store(true)
}

// Ready reports whether ingestion has completed.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Answer returns a complete answer for one question. Every outcome is a
// displayable string; provider failures are logged and converted, never
// propagated.
func (s *Service) Answer(ctx context.Context, question, subject string) string {
	if reply, ok := s.greetingReplyFor(question); ok {
		metrics.QueriesTotal.WithLabelValues("buffered", "greeting").Inc()
		return reply
	}
	if !s.ready.Load() {
		metrics.QueriesTotal.WithLabelValues("buffered", "not_ready").Inc()
		return s.notReadyMessage
	}

	prompt, err := s.buildPrompt(ctx, question, subject)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("buffered", "error").Inc()
		s.logger.Error("Failed to build grounded prompt", zap.Error(err))
		return s.displayableError(err)
	}

	answer, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("buffered", "error").Inc()
		s.logger.Error("Completion failed", zap.Error(err))
		return s.displayableError(err)
	}

	metrics.QueriesTotal.WithLabelValues("buffered", "success").Inc()
	return answer
}

// AnswerStream returns a finite channel of answer tokens. The channel always
// closes: on normal completion, after a final error token on mid-stream
// failure, or when ctx is cancelled. Short greetings bypass retrieval and are
// paced out word by word.
func (s *Service) AnswerStream(ctx context.Context, question, subject string) <-chan string {
	out := make(chan string)

	if reply, ok := s.greetingReplyFor(question); ok {
		metrics.QueriesTotal.WithLabelValues("stream", "greeting").Inc()
		go s.emitPaced(ctx, out, reply)
		return out
	}
	if !s.ready.Load() {
		metrics.QueriesTotal.WithLabelValues("stream", "not_ready").Inc()
		go s.emitPaced(ctx, out, s.notReadyMessage)
		return out
	}

	go s.streamAnswer(ctx, out, question, subject)
	return out
}

func (s *Service) streamAnswer(ctx context.Context, out chan<- string, question, subject string) {
	defer close(out)

	prompt, err := s.buildPrompt(ctx, question, subject)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("stream", "error").Inc()
		s.logger.Error("Failed to build grounded prompt", zap.Error(err))
		s.send(ctx, out, s.displayableError(err))
		return
	}

	stream, err := s.completer.Stream(ctx, prompt)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("stream", "error").Inc()
		s.logger.Error("Failed to open token stream", zap.Error(err))
		s.send(ctx, out, s.displayableError(err))
		return
	}
	defer stream.Close()

	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			metrics.QueriesTotal.WithLabelValues("stream", "success").Inc()
			return
		}
		if err != nil {
			metrics.QueriesTotal.WithLabelValues("stream", "error").Inc()
			s.logger.Error("Token stream failed mid-answer", zap.Error(err))
			s.send(ctx, out, "\n\n"+s.displayableError(err))
			return
		}
		if !s.send(ctx, out, token) {
			return
		}
	}
}

// emitPaced sends text word by word with the configured inter-token delay.
func (s *Service) emitPaced(ctx context.Context, out chan<- string, text string) {
	defer close(out)

	words := strings.Fields(text)
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		if !s.send(ctx, out, word) {
			return
		}
		if s.tokenDelay > 0 && i < len(words)-1 {
			timer := time.NewTimer(s.tokenDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// send delivers one token unless the consumer is gone.
func (s *Service) send(ctx context.Context, out chan<- string, token string) bool {
	select {
	case out <- token:
		return true
	case <-ctx.Done():
		return false
	}
}

// greetingReplyFor short-circuits short greeting inputs. Matching is a
// case-insensitive prefix check over the configured vocabulary, applied only
// to trimmed inputs under the rune limit.
func (s *Service) greetingReplyFor(question string) (string, bool) {
	trimmed := strings.TrimSpace(question)
	if trimmed == "" || utf8.RuneCountInString(trimmed) >= greetingMaxRunes {
		return "", false
	}

	lowered := strings.ToLower(trimmed)
	for _, g := range s.greetings {
		if g != "" && strings.HasPrefix(lowered, g) {
			return s.greetingReply, true
		}
	}
	return "", false
}

// buildPrompt embeds the question, retrieves the top-k chunks and assembles
// the grounded prompt.
func (s *Service) buildPrompt(ctx context.Context, question, subject string) (string, error) {
	res, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return "", fmt.Errorf("embed question: %w", err)
	}

	scored := s.index.Search(res.Embedding, s.topK)
	contexts := make([]string, 0, len(scored))
	for _, rec := range scored {
		contexts = append(contexts, rec.Text)
	}

	var b strings.Builder
	b.WriteString("Eres un asistente pedagogico que responde en espanol, de forma clara y paso a paso.\n")
	if subject != "" {
		fmt.Fprintf(&b, "La consulta pertenece a la materia: %s.\n", subject)
	}
	b.WriteString("Usa unicamente el siguiente contexto para responder. Si el contexto no alcanza, dilo.\n\n")
	b.WriteString("Contexto:\n")
	for _, c := range contexts {
		b.WriteString("---\n")
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString("---\n\nPregunta: ")
	b.WriteString(question)
	return b.String(), nil
}

// displayableError maps the error taxonomy to a user-facing Spanish message.
func (s *Service) displayableError(err error) string {
	if errors.Is(err, domain.ErrRateLimited) {
		return errBusyMessage
	}
	return errUnavailableMessage
}
