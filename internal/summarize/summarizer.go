// Package summarize turns a room transcript into a short summary via the
// chat-completions API. Without an API key it returns a mock summary so the
// endpoint works offline.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultURL = "https://api.openai.com/v1/chat/completions"

type Summarizer struct {
	APIKey string
	Model  string
	URL    string
	Client *http.Client
}

func New(apiKey string) *Summarizer {
	return &Summarizer{
		APIKey: apiKey,
		Model:  "gpt-4o-mini",
		URL:    defaultURL,
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if s.APIKey == "" {
		return fmt.Sprintf("Mock summary (no API key). Transcript length: %d", len(transcript)), nil
	}

	prompt := "Summarize the following meeting transcript into: key points, action items, and decisions.\n\n" + transcript
	body, err := json.Marshal(chatRequest{
		Model:     s.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarize request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarize request: unexpected status %s", resp.Status)
	}
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("summarize response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "No summary generated", nil
	}
	return parsed.Choices[0].Message.Content, nil
}
