package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/objectstore"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

const classifyPrompt = "You are a document classifier for a small-business lending pipeline.\n\n" +
	"Task:\n" +
	"- Decide what kind of document the attached PDF is.\n" +
	"- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n\n" +
	"The object must have these fields:\n" +
	"- \"document_type\": one of \"bank_statement\", \"application\", \"other\"\n" +
	"- \"confidence\": number between 0 and 1\n\n" +
	"Rules:\n" +
	"- \"bank_statement\" is a periodic account statement listing transactions and balances.\n" +
	"- \"application\" is a loan or financing application form describing a business and its owners.\n" +
	"- Anything else is \"other\".\n\n" +
	"Return ONLY valid raw JSON.\n" +
	"Do NOT wrap the response in code fences.\n" +
	"Output must begin with \"{\" and end with \"}\".\n"

// generator runs one prompt against a PDF and returns the model's text.
type generator interface {
	generate(ctx context.Context, prompt string, pdf []byte) (string, error)
}

type genaiGenerator struct {
	client *genai.Client
	model  string
}

func (g *genaiGenerator) generate(ctx context.Context, prompt string, pdf []byte) (string, error) {
	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: prompt},
				{
					InlineData: &genai.Blob{
						MIMEType: "application/pdf",
						Data:     pdf,
					},
				},
			},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate: generate content: %w", err)
	}
	return resp.Text(), nil
}

// GeminiClassifier downloads the PDF and classifies it in-process, so its
// Ack carries the Classification directly.
type GeminiClassifier struct {
	gen     generator
	fetcher objectstore.Fetcher
}

// NewGeminiClassifier creates a classifier using Application Default
// Credentials or GOOGLE_API_KEY.
func NewGeminiClassifier(ctx context.Context, model string, fetcher objectstore.Fetcher) (*GeminiClassifier, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiClassifier: create genai client: %w", err)
	}
	return &GeminiClassifier{
		gen:     &genaiGenerator{client: client, model: model},
		fetcher: fetcher,
	}, nil
}

func (c *GeminiClassifier) Classify(ctx context.Context, req Request) (Ack, error) {
	pdf, err := c.fetcher.Fetch(ctx, req.StoragePath)
	if err != nil {
		return Ack{}, fmt.Errorf("Classify: %w", err)
	}

	raw, err := c.gen.generate(ctx, classifyPrompt, pdf)
	if err != nil {
		return Ack{}, fmt.Errorf("Classify: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return Ack{}, fmt.Errorf("Classify: empty response from model")
	}

	var out Classification
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &out); err != nil {
		return Ack{}, fmt.Errorf("Classify: unmarshal JSON: %w\nraw response: %s", err, raw)
	}
	switch out.DocumentType {
	case domain.DocumentBankStatement, domain.DocumentApplication:
	default:
		out.DocumentType = domain.DocumentOther
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return Ack{Classification: &out}, nil
}

// cleanModelJSON strips Markdown fences and any text around the outermost
// JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}

var _ Classifier = (*GeminiClassifier)(nil)
