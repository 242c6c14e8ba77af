// Package brain generates post drafts and answers with an OpenAI-compatible
// chat model through eino.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaiModel "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"socialpilot/internal/ports"
	logx "socialpilot/pkg/logx"
)

// ErrEmptyOutput is returned when the model produced no usable text.
var ErrEmptyOutput = errors.New("brain: empty model output")

const (
	maxTitleRunes  = 300
	maxAnswerRunes = 4000
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// chatModel is the part of model.BaseChatModel the generator uses.
type chatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

type Generator struct {
	model     chatModel
	postTpl   prompt.ChatTemplate
	answerTpl prompt.ChatTemplate
	log       logx.Logger
}

// New builds a generator backed by the OpenAI chat completion API.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("brain: api key is empty")
	}
	mc := &openaiModel.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}
	if mc.Model == "" {
		mc.Model = "gpt-4o-mini"
	}
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		mc.Temperature = &t
	}
	if cfg.MaxTokens > 0 {
		n := cfg.MaxTokens
		mc.MaxTokens = &n
	}
	cm, err := openaiModel.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("brain: new chat model: %w", err)
	}
	return NewWithModel(cm, log), nil
}

// NewWithModel wraps an existing chat model.
func NewWithModel(m chatModel, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{
		model: m,
		postTpl: prompt.FromMessages(schema.FString,
			schema.SystemMessage(postSystem),
			schema.UserMessage(postUser),
		),
		answerTpl: prompt.FromMessages(schema.FString,
			schema.SystemMessage(answerSystem),
			schema.UserMessage(answerUser),
		),
		log: log.With(logx.Comp("brain")),
	}
}

func (g *Generator) Generate(ctx context.Context, b ports.PostBrief) (ports.Draft, error) {
	out, err := g.run(ctx, g.postTpl, map[string]any{
		"domain":        b.Domain,
		"business_type": orDash(b.BusinessType),
		"audience":      orDash(b.Audience),
		"language":      b.Language,
		"style":         b.Style,
		"channel":       b.Channel,
	})
	if err != nil {
		return ports.Draft{}, err
	}
	d := parseDraft(out)
	if d.Title == "" || d.Body == "" {
		return ports.Draft{}, fmt.Errorf("%w: draft missing title or body", ErrEmptyOutput)
	}
	g.log.Debug("draft generated", logx.User(b.UserID), logx.Channel(b.Channel), logx.Int("body_len", len(d.Body)))
	return d, nil
}

func (g *Generator) Answer(ctx context.Context, b ports.AnswerBrief) (string, error) {
	out, err := g.run(ctx, g.answerTpl, map[string]any{
		"domain":    b.Domain,
		"expertise": b.Expertise,
		"channel":   b.Thread.Channel,
		"title":     b.Thread.Title,
		"body":      orDash(b.Thread.Body),
	})
	if err != nil {
		return "", err
	}
	out = truncateRunes(strings.TrimSpace(out), maxAnswerRunes)
	if out == "" {
		return "", ErrEmptyOutput
	}
	return out, nil
}

func (g *Generator) run(ctx context.Context, tpl prompt.ChatTemplate, vars map[string]any) (string, error) {
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("brain: format prompt: %w", err)
	}
	msg, err := g.model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("brain: generate: %w", err)
	}
	if msg == nil {
		return "", ErrEmptyOutput
	}
	return msg.Content, nil
}

// parseDraft reads "TITLE:", "BODY:" and "TAGS:" sections. Without markers
// the first non-empty line is the title and the rest the body.
func parseDraft(out string) ports.Draft {
	var (
		d       ports.Draft
		body    []string
		inBody  bool
		sawMark bool
	)
	for _, line := range strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "TITLE:"):
			d.Title = strings.TrimSpace(trimmed[len("TITLE:"):])
			sawMark, inBody = true, false
		case strings.HasPrefix(upper, "BODY:"):
			sawMark, inBody = true, true
			if rest := strings.TrimSpace(trimmed[len("BODY:"):]); rest != "" {
				body = append(body, rest)
			}
		case strings.HasPrefix(upper, "TAGS:"):
			sawMark, inBody = true, false
			for _, t := range strings.Split(trimmed[len("TAGS:"):], ",") {
				if t = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#")); t != "" {
					d.Tags = append(d.Tags, t)
				}
			}
		case inBody:
			body = append(body, line)
		case !sawMark && d.Title == "" && trimmed != "":
			d.Title = strings.Trim(trimmed, "# ")
			inBody = true
		}
	}
	d.Title = truncateRunes(strings.Trim(d.Title, `"`), maxTitleRunes)
	d.Body = strings.TrimSpace(strings.Join(body, "\n"))
	return d
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
