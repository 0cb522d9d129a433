package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/corpusqa/internal/corpus"
	"github.com/54b3r/corpusqa/internal/embedder"
	"github.com/54b3r/corpusqa/internal/rag"
	"github.com/54b3r/corpusqa/internal/scope"
)

// topicEmbedder counts topic stems so retrieval in tests is predictable.
type topicEmbedder struct{}

var topics = []string{"college", "writ", "program", "combinator", "startup", "water"}

func (topicEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v := make([]float64, len(topics))
		lower := strings.ToLower(t)
		for j, stem := range topics {
			v[j] = float64(strings.Count(lower, stem))
		}
		out[i] = v
	}
	return out, nil
}

// fakeChatModel answers from the user message. It records the last prompt
// and can be told to fail streaming.
type fakeChatModel struct {
	respond     func(user string) string
	openErr     error
	midErr      error
	generateErr error

	lastPrompt []*schema.Message
	generates  atomic.Int32
}

func (m *fakeChatModel) answer(input []*schema.Message) string {
	m.lastPrompt = input
	return m.respond(input[len(input)-1].Content)
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.generates.Add(1)
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	return schema.AssistantMessage(m.answer(input), nil), nil
}

func (m *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	text := m.answer(input)
	half := len(text) / 2
	if m.midErr != nil {
		sr, sw := schema.Pipe[*schema.Message](2)
		sw.Send(schema.AssistantMessage(text[:half], nil), nil)
		sw.Send(nil, m.midErr)
		sw.Close()
		return sr, nil
	}
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage(text[:half], nil),
		schema.AssistantMessage(text[half:], nil),
	}), nil
}

// essayModel behaves like an instructed model: it answers only when the
// context mentions the question's subject.
func essayModel() *fakeChatModel {
	return &fakeChatModel{respond: func(user string) string {
		if strings.Contains(user, "writing and programming") && strings.Contains(user, "before college") {
			return "Before college the author worked on writing and programming outside of school."
		}
		return RefusalAnswer
	}}
}

const groundedAnswer = "Before college the author worked on writing and programming outside of school."

func newTestRetriever(t *testing.T) rag.Retriever {
	t.Helper()
	ctx := context.Background()

	schemaDef := rag.Schema{Identity: "essays", Dimension: len(topics)}
	store, err := rag.OpenSQLite(filepath.Join(t.TempDir(), "index.db"), schemaDef)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	chunker, err := corpus.NewChunker(200, 20)
	if err != nil {
		t.Fatal(err)
	}
	chunks := chunker.Chunk([]corpus.Document{
		{Source: "essay.txt", Text: "Before college the two main things I worked on, outside of school, were writing and programming."},
		{Source: "yc.txt", Text: "Y Combinator funded startups in batches twice a year."},
	})

	emb := embedder.NewFloat32(topicEmbedder{}, embedder.Options{})
	ix, err := rag.BuildOrLoad(ctx, store, schemaDef, chunks, emb, rag.Options{})
	if err != nil {
		t.Fatalf("BuildOrLoad: %v", err)
	}
	r, err := rag.NewRetriever(emb, ix, 10)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestEngine(t *testing.T, m *fakeChatModel) *Engine {
	t.Helper()
	e, err := New(&Config{
		ChatModel: m,
		Retriever: newTestRetriever(t),
		Filter:    scope.New(scope.DefaultRules(), scope.WithPicker(func(int) int { return 0 })),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestAnswer_GroundedQuestion(t *testing.T) {
	t.Parallel()

	m := essayModel()
	e := newTestEngine(t, m)

	got, err := e.Answer(context.Background(), "What did the author work on before college?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got != groundedAnswer {
		t.Errorf("Answer = %q, want %q", got, groundedAnswer)
	}
	if m.generates.Load() != 0 {
		t.Error("Generate should not be called when streaming succeeds")
	}

	if len(m.lastPrompt) != 2 || m.lastPrompt[0].Role != schema.System {
		t.Fatalf("want system + user prompt, got %d messages", len(m.lastPrompt))
	}
	user := m.lastPrompt[1].Content
	if !strings.Contains(user, "Question: What did the author work on before college?") {
		t.Errorf("question missing from prompt: %q", user)
	}
	if strings.Index(user, "writing and programming") > strings.Index(user, "Y Combinator") {
		t.Error("nearest passage should come first in the context")
	}
}

func TestAnswer_OutOfScopeQuestionGetsTemplate(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, essayModel())

	got, err := e.Answer(context.Background(), "What is the boiling point of water?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if want := scope.DefaultRules().Templates[0]; got != want {
		t.Errorf("Answer = %q, want template %q", got, want)
	}
}

func TestAnswer_EmptyQuestion(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, essayModel())
	if _, err := e.Answer(context.Background(), "   "); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("want ErrEmptyQuestion, got %v", err)
	}
}

func TestAnswer_StreamFailureFallsBackToGenerate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(m *fakeChatModel)
	}{
		{"open error", func(m *fakeChatModel) { m.openErr = errors.New("no stream support") }},
		{"mid-stream error", func(m *fakeChatModel) { m.midErr = errors.New("connection reset") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := essayModel()
			tc.setup(m)
			e := newTestEngine(t, m)

			got, err := e.Answer(context.Background(), "What did the author work on before college?")
			if err != nil {
				t.Fatalf("Answer: %v", err)
			}
			if got != groundedAnswer {
				t.Errorf("partial text leaked: got %q", got)
			}
			if m.generates.Load() != 1 {
				t.Errorf("want one Generate call, got %d", m.generates.Load())
			}
		})
	}
}

func TestAnswer_GenerateFailureSurfaced(t *testing.T) {
	t.Parallel()

	m := essayModel()
	m.openErr = errors.New("stream down")
	m.generateErr = errors.New("model down")
	e := newTestEngine(t, m)

	_, err := e.Answer(context.Background(), "What did the author work on before college?")
	if err == nil || !strings.Contains(err.Error(), "model down") {
		t.Errorf("want wrapped generate error, got %v", err)
	}
}

func TestAnswer_ContextBudgetDropsLowestRanked(t *testing.T) {
	t.Parallel()

	m := essayModel()
	e, err := New(&Config{
		ChatModel: m,
		Retriever: newTestRetriever(t),
		// The empty prompt estimates at 150 tokens; the nearest passage adds 25.
		MaxContextTokens: 180,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Answer(context.Background(), "What did the author work on before college?"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	user := m.lastPrompt[1].Content
	if !strings.Contains(user, "writing and programming") {
		t.Error("highest-ranked passage should be kept")
	}
	if strings.Contains(user, "Y Combinator") {
		t.Error("lowest-ranked passage should be dropped")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(&Config{}); err == nil {
		t.Error("want error for missing chat model")
	}
	if _, err := New(&Config{ChatModel: essayModel()}); err == nil {
		t.Error("want error for missing retriever")
	}
}
