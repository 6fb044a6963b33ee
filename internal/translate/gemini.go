package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const unrecognizedMarker = "UNRECOGNIZED_LANGUAGE"

// Gemini translates through the Gemini API with one API key.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a Gemini translator using apiKey and the named model.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	m := client.GenerativeModel(modelName)
	m.SetTemperature(0)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(
		"You translate news headlines. Reply with the translation only, no quotes or commentary. " +
			"If you cannot identify the language of the input, reply exactly " + unrecognizedMarker + ".")}}
	return &Gemini{client: client, model: m}, nil
}

// Translate implements Translator.
func (g *Gemini) Translate(ctx context.Context, text, source, target string) (string, error) {
	from := "the detected language"
	if source != "" {
		from = source
	}
	prompt := fmt.Sprintf("Translate from %s to %s:\n%s", from, target, text)

	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	out := strings.TrimSpace(responseText(resp))
	switch {
	case out == "":
		return "", errors.New("empty translation")
	case strings.Contains(out, unrecognizedMarker):
		return "", ErrUnrecognizedLanguage
	}
	return out, nil
}

// Close releases the client connection.
func (g *Gemini) Close() error {
	return g.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}
