// Package speech wraps the STT, TTS and single-shot LLM collaborators.
// They are opaque HTTP services; every failure falls back to raw content.
package speech

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/claude-relay/internal/logging"
)

var speechLog = logging.ForComponent(logging.CompSpeech)

// Client talks to an OpenAI-compatible API. A zero APIKey disables every
// method: Transcribe and Synthesize error, Complete returns the fallback.
type Client struct {
	APIKey       string
	BaseURL      string
	WhisperModel string
	PolishModel  string
	Voice        string
	HTTP         *http.Client
}

// NewClient builds a speech client; empty options take defaults.
func NewClient(apiKey, whisperModel, polishModel, voice string) *Client {
	if whisperModel == "" {
		whisperModel = "whisper-1"
	}
	if polishModel == "" {
		polishModel = "gpt-4o-mini"
	}
	if voice == "" {
		voice = "alloy"
	}
	return &Client{
		APIKey:       apiKey,
		BaseURL:      "https://api.openai.com/v1",
		WhisperModel: whisperModel,
		PolishModel:  polishModel,
		Voice:        voice,
		HTTP:         &http.Client{Timeout: 120 * time.Second},
	}
}

// Enabled reports whether speech features are configured.
func (c *Client) Enabled() bool {
	return c != nil && c.APIKey != ""
}

// Transcribe sends an audio file to the transcription endpoint.
func (c *Client) Transcribe(audioPath string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("speech disabled: no api key")
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", err
	}
	_ = mw.WriteField("model", c.WhisperModel)
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

// Synthesize renders text to speech, returning the audio bytes (opus).
func (c *Client) Synthesize(text string) ([]byte, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("speech disabled: no api key")
	}

	payload, _ := json.Marshal(map[string]string{
		"model":           "tts-1",
		"voice":           c.Voice,
		"input":           text,
		"response_format": "opus",
	})
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts status %d: %s", resp.StatusCode, string(raw))
	}
	return io.ReadAll(resp.Body)
}

// Complete runs a single-shot chat completion. On any failure the fallback
// is returned: a failed polish surfaces the raw transcript, a failed
// summary surfaces the first text block.
func (c *Client) Complete(system, user, fallback string) string {
	if !c.Enabled() {
		return fallback
	}

	payload, _ := json.Marshal(map[string]any{
		"model": c.PolishModel,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	})
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fallback
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		speechLog.Warn("completion_failed", slog.String("error", err.Error()))
		return fallback
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		speechLog.Warn("completion_status", slog.Int("status", resp.StatusCode))
		return fallback
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Choices) == 0 {
		return fallback
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return fallback
	}
	return content
}

// Polish cleans up a voice transcript for injection: punctuation, casing,
// obvious mis-hearings. Raw transcript on failure.
func (c *Client) Polish(raw string) string {
	return c.Complete(
		"You clean up speech-to-text transcripts of instructions meant for a coding agent. Fix punctuation, casing and obvious transcription errors. Output only the cleaned text.",
		raw, raw)
}

// Summarize digests an assistant reply for a short chat message. First text
// block on failure.
func (c *Client) Summarize(text, fallback string) string {
	return c.Complete(
		"Summarize the following coding-agent reply in at most three short sentences for a phone notification.",
		text, fallback)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
