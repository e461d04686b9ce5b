package providers

import (
	"context"
	"strings"
)

// Profile compaction instruction. The summarizer folds a buffer of raw
// turns into the existing long-term profile; output replaces the profile
// wholesale, so it must stay dense and plain-text.
const profileSystemPrompt = "You maintain a long-term memory profile of a user. " +
	"Given the old profile and a new slice of conversation, fold new facts, " +
	"preferences and narrative progress into an updated profile. Keep it " +
	"concise, objective and dense. If the new conversation adds nothing, " +
	"return the old profile unchanged. Output plain text only."

// ProfileSummarizer implements the summarization capability on a chat
// model.
type ProfileSummarizer struct {
	client *Client
	model  string
}

func NewProfileSummarizer(client *Client, model string) *ProfileSummarizer {
	return &ProfileSummarizer{client: client, model: model}
}

// Summarize folds bufferText into previousProfile and returns the new
// profile text.
func (p *ProfileSummarizer) Summarize(ctx context.Context, previousProfile, bufferText string) (string, error) {
	user := "Old profile:\n" + previousProfile + "\n\nNew conversation:\n" + bufferText
	out, err := p.client.Chat(ctx, p.model, []ChatMessage{
		{Role: "system", Content: profileSystemPrompt},
		{Role: "user", Content: user},
	}, 0.3)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TextEmbedder implements the embedding capability on an embeddings model.
type TextEmbedder struct {
	client *Client
	model  string
}

func NewTextEmbedder(client *Client, model string) *TextEmbedder {
	return &TextEmbedder{client: client, model: model}
}

// Embed returns one vector per text at the model's native width; the
// indexer handles projection to the stored dimension.
func (t *TextEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return t.client.Embed(ctx, t.model, texts)
}
