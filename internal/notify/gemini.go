package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

const DefaultModel = "gemini-2.5-flash"

var ErrEmptyResponse = errors.New("summarizer returned no candidates")

// GeminiOptions configure the Gemini API client. BaseURL and HTTPClient are
// left empty in production.
type GeminiOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Gemini summarizes changes with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	loc    *time.Location
}

// NewGemini builds a client authenticated by API key.
func NewGemini(ctx context.Context, opts GeminiOptions, loc *time.Location) (*Gemini, error) {
	model := strings.TrimPrefix(opts.Model, "models/")
	if model == "" {
		model = DefaultModel
	}
	if loc == nil {
		loc = time.UTC
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      opts.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  opts.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: opts.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, loc: loc}, nil
}

func (g *Gemini) Summarize(ctx context.Context, added, removed []types.ScheduleEvent, tone string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(g.prompt(added, removed, tone)), nil)
	if err != nil {
		return "", err
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		var b strings.Builder
		for _, p := range c.Content.Parts {
			if p != nil {
				b.WriteString(p.Text)
			}
		}
		if b.Len() > 0 {
			return b.String(), nil
		}
	}
	return "", ErrEmptyResponse
}

func (g *Gemini) prompt(added, removed []types.ScheduleEvent, tone string) string {
	intro := "You are a friendly student assistant. Write a short email telling the student about changes to their timetable."
	voice := "Warm and casual, like a friend."
	if tone == ToneDirect {
		intro = "You are an information assistant. Report the timetable changes directly, briefly and precisely."
		voice = "Direct and to the point, no greetings."
	}

	var b strings.Builder
	b.WriteString(intro + "\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("1. Output plain text only. Do not use Markdown.\n")
	b.WriteString("2. Voice: " + voice + "\n")
	b.WriteString("3. Mention every session listed below and nothing else.\n")
	if len(added) > 0 {
		b.WriteString("\nNew sessions:\n")
		for _, e := range added {
			b.WriteString(FormatEvent(e, g.loc) + "\n")
		}
	}
	if len(removed) > 0 {
		b.WriteString("\nCancelled sessions:\n")
		for _, e := range removed {
			b.WriteString(FormatEvent(e, g.loc) + "\n")
		}
	}
	return b.String()
}
