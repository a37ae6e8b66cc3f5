package oracle

import (
	"context"
	"errors"
	"net/http"

	"github.com/ollama/ollama/api"

	"github.com/garnizeh/volunteer-match/pkg/ollama"
)

// OllamaGenerator runs prompts on a local Ollama instance.
type OllamaGenerator struct {
	client *ollama.Client
	model  string
}

func NewOllamaGenerator(client *ollama.Client, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model}
}

func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	res, err := g.client.Generate(ctx, g.model, prompt)
	if err != nil {
		return "", classifyOllama(err)
	}
	return res.Text, nil
}

func classifyOllama(err error) error {
	if errors.Is(err, ollama.ErrCircuitOpen) {
		return RateLimited(err)
	}
	var se api.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return RateLimited(err)
	}
	return transport(err)
}
