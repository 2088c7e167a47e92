package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Vertex talks to Gemini models through Vertex AI using application default
// credentials.
type Vertex struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
}

func NewVertex(ctx context.Context, projectID, location, chatModel, embeddingModel string) (*Vertex, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	return &Vertex{client: client, chatModel: chatModel, embeddingModel: embeddingModel}, nil
}

func (v *Vertex) request(msgs []Message) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	system, turns := split(msgs)
	if len(turns) == 0 || turns[len(turns)-1].Role != RoleUser {
		return nil, nil, ErrEmptyConversation
	}
	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}
	return contents, cfg, nil
}

func (v *Vertex) Complete(ctx context.Context, msgs []Message) (string, error) {
	contents, cfg, err := v.request(msgs)
	if err != nil {
		return "", err
	}
	result, err := v.client.Models.GenerateContent(ctx, v.chatModel, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("vertex generate failed: %w", err)
	}
	text := candidateText(result)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (v *Vertex) Stream(ctx context.Context, msgs []Message, onFragment func(string) error) error {
	contents, cfg, err := v.request(msgs)
	if err != nil {
		return err
	}
	for resp, err := range v.client.Models.GenerateContentStream(ctx, v.chatModel, contents, cfg) {
		if err != nil {
			return fmt.Errorf("vertex stream failed: %w", err)
		}
		if frag := candidateText(resp); frag != "" {
			if err := onFragment(frag); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Vertex) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}
	res, err := v.client.Models.EmbedContent(ctx, v.embeddingModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("vertex embedding request failed: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("vertex returned %d embeddings for %d inputs", len(res.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
