package appraisal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-1.5-flash"

const prompt = `You are a professional appraiser for second-hand goods and collectibles.
Identify the item in the photo and estimate its market value in EUR.
Answer with a single JSON object and nothing else, using exactly these fields:
{
  "item_name": "short product name",
  "condition": "visible condition",
  "price_new": 0,
  "price_used_fast": 0,
  "price_collector": 0,
  "description": "two or three sentences on what drives the value"
}
price_new is the retail price new, price_used_fast a price that sells within
a week, price_collector the best price a patient seller could reach.`

// GeminiAnalyzer asks a Gemini model for a valuation of one image.
type GeminiAnalyzer struct {
	client *genai.Client
	model  string
	log    *slog.Logger
}

func NewGeminiAnalyzer(ctx context.Context, apiKey, model string, log *slog.Logger) (*GeminiAnalyzer, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if log == nil {
		log = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &GeminiAnalyzer{client: client, model: model, log: log}, nil
}

func (g *GeminiAnalyzer) Name() string { return "gemini:" + g.model }

func (g *GeminiAnalyzer) Analyze(ctx context.Context, img Image) (Valuation, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(img.Data, img.MIME),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Valuation{}, fmt.Errorf("gemini: generate: %w", err)
	}
	text := resp.Text()
	v, err := ParseValuation(text)
	if err != nil {
		g.log.WarnContext(ctx, "unparseable model response",
			"model", g.model, "err", err, "response", truncate(text, 300))
		return Valuation{}, err
	}
	return v, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
