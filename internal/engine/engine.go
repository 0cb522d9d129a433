// Package engine answers questions over the essay index: it retrieves
// context, prompts the chat model and passes the result through the scope
// filter. Coordinator gates queries until the index has been built.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/corpusqa/internal/budget"
	"github.com/54b3r/corpusqa/internal/logging"
	"github.com/54b3r/corpusqa/internal/rag"
	"github.com/54b3r/corpusqa/internal/scope"
)

// ErrEmptyQuestion is returned by Answer for a blank question.
var ErrEmptyQuestion = errors.New("engine: question must not be empty")

// Config holds the dependencies required to construct an Engine.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.BaseChatModel

	// Retriever fetches essay passages for a question.
	Retriever rag.Retriever

	// Filter decides whether an answer is shown or replaced.
	Filter *scope.Filter

	// TopK controls how many passages are retrieved per question.
	// Defaults to 10 if zero.
	TopK int

	// MaxContextTokens is the estimated token budget for the prompt.
	// Lowest-ranked passages are dropped to fit. Defaults to
	// budget.DefaultMaxContextTokens if zero; negative disables trimming.
	MaxContextTokens int
}

// Engine runs the per-question pipeline. It holds no per-query state and is
// safe for concurrent use.
type Engine struct {
	chatModel        model.BaseChatModel
	retriever        rag.Retriever
	filter           *scope.Filter
	template         prompt.ChatTemplate
	topK             int
	maxContextTokens int
}

// New constructs an Engine from cfg.
func New(cfg *Config) (*Engine, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("engine: ChatModel must not be nil")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("engine: Retriever must not be nil")
	}

	filter := cfg.Filter
	if filter == nil {
		filter = scope.New(scope.DefaultRules())
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = 10
	}

	maxCtx := cfg.MaxContextTokens
	switch {
	case maxCtx == 0:
		maxCtx = budget.DefaultMaxContextTokens
	case maxCtx < 0:
		maxCtx = 0
	}

	return &Engine{
		chatModel:        cfg.ChatModel,
		retriever:        cfg.Retriever,
		filter:           filter,
		template:         newTemplate(),
		topK:             topK,
		maxContextTokens: maxCtx,
	}, nil
}

// Answer retrieves context for question, generates an answer and returns it
// if grounded, otherwise a scope-limitation message.
func (e *Engine) Answer(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	log := logging.FromContext(ctx)

	messages, err := e.buildMessages(ctx, question)
	if err != nil {
		return "", err
	}

	raw, err := e.generate(ctx, messages)
	if err != nil {
		return "", err
	}

	d := e.filter.Decide(raw, question)
	log.Debug("scope decision",
		slog.Bool("grounded", d.Grounded),
		slog.String("rule", d.Rule),
		slog.String("match", d.Match),
	)
	if d.Grounded {
		return raw, nil
	}
	return e.filter.Template(), nil
}

// buildMessages retrieves passages and renders the prompt, dropping the
// lowest-ranked passages when the estimate exceeds the context budget.
func (e *Engine) buildMessages(ctx context.Context, question string) ([]*schema.Message, error) {
	log := logging.FromContext(ctx)

	docs, err := e.retriever.Retrieve(ctx, question, e.topK)
	if err != nil {
		return nil, fmt.Errorf("engine: retrieve: %w", err)
	}

	passages := make([]string, 0, len(docs))
	for _, d := range docs {
		passages = append(passages, d.Content)
	}

	fixed, err := e.template.Format(ctx, promptVars(nil, question))
	if err != nil {
		return nil, fmt.Errorf("engine: render prompt: %w", err)
	}

	kept := budget.TrimPassages(fixed, passages, e.maxContextTokens)
	if dropped := len(passages) - len(kept); dropped > 0 {
		log.Warn("budget: dropped passages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(kept)),
			slog.Int("max_tokens", e.maxContextTokens),
		)
	}
	log.Debug("retrieved context",
		slog.Int("passages", len(kept)),
		slog.Int("estimated_tokens", budget.EstimateMessages(fixed)+budget.Estimate(strings.Join(kept, passageSeparator))),
	)

	messages, err := e.template.Format(ctx, promptVars(kept, question))
	if err != nil {
		return nil, fmt.Errorf("engine: render prompt: %w", err)
	}
	return messages, nil
}

// generate streams the completion and concatenates it. If the stream cannot
// be opened or fails part-way, the partial text is discarded and a single
// blocking Generate call is made instead.
func (e *Engine) generate(ctx context.Context, messages []*schema.Message) (string, error) {
	text, err := e.stream(ctx, messages)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("engine: generate: %w", ctx.Err())
	}

	logging.FromContext(ctx).Warn("streaming failed, falling back to generate", slog.Any("error", err))
	msg, err := e.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("engine: generate: %w", err)
	}
	if msg == nil {
		return "", fmt.Errorf("engine: generate: model returned no message")
	}
	return msg.Content, nil
}

func (e *Engine) stream(ctx context.Context, messages []*schema.Message) (string, error) {
	sr, err := e.chatModel.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	defer sr.Close()

	var buf strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stream receive: %w", err)
		}
		if msg != nil {
			buf.WriteString(msg.Content)
		}
	}
	return buf.String(), nil
}
