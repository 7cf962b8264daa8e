package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	refinerMaxRetries     = 2
	refinerInitialBackoff = time.Second
)

// ErrAPIKeyRequired is returned when refinement is enabled without an API
// key.
var ErrAPIKeyRequired = errors.New("API key required")

// Refiner is an optional post-processor over the heuristic digest. The
// heuristic output stays authoritative; refinement only fills the Refined
// field.
type Refiner struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewRefiner builds a refiner from ANTHROPIC_API_KEY.
func NewRefiner(model string) (*Refiner, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", ErrAPIKeyRequired)
	}
	return &Refiner{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  anthropic.Model(model),
	}, nil
}

// Refine asks the model for a short prose rendering of the digest. On any
// failure the digest is returned untouched.
func (r *Refiner) Refine(ctx context.Context, d *ThreadDigest) *ThreadDigest {
	prompt := renderRefinerPrompt(d)

	var lastErr error
	for attempt := 0; attempt <= refinerMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(refinerInitialBackoff << (attempt - 1)):
			case <-ctx.Done():
				return d
			}
		}
		message, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     r.model,
			MaxTokens: 512,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return d
			}
			continue
		}
		if len(message.Content) > 0 && message.Content[0].Type == "text" {
			d.Refined = strings.TrimSpace(message.Content[0].Text)
		}
		return d
	}
	if lastErr != nil {
		slog.Warn("digest refinement failed; keeping heuristic digest", "error", lastErr)
	}
	return d
}

func renderRefinerPrompt(d *ThreadDigest) string {
	var sb strings.Builder
	sb.WriteString("Rewrite this thread digest as 2-3 plain sentences for a busy engineer. Do not invent facts.\n\n")
	sb.WriteString("Subject: " + d.Subject + "\n")
	sb.WriteString("Participants: " + strings.Join(d.Participants, ", ") + "\n")
	if len(d.KeyPoints) > 0 {
		sb.WriteString("Key points:\n")
		for _, p := range d.KeyPoints {
			sb.WriteString("- " + p + "\n")
		}
	}
	if len(d.Actions) > 0 {
		sb.WriteString("Actions:\n")
		for _, a := range d.Actions {
			sb.WriteString("- " + a + "\n")
		}
	}
	return sb.String()
}
