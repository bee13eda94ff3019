// Package tokens estimates prompt sizes of chat completion bodies for the
// activity log. Estimates never influence what is forwarded upstream.
package tokens

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Per-message overhead for chat models, from OpenAI's counting guide.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// Estimator counts prompt tokens with tiktoken encodings.
type Estimator struct {
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewEstimator creates an Estimator with an empty codec cache.
func NewEstimator() *Estimator {
	return &Estimator{
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Estimate returns the approximate prompt token count of a chat completion
// body. Bodies that are not chat completion JSON count as zero.
func (e *Estimator) Estimate(body []byte) int {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Messages) == 0 {
		return 0
	}

	codec, err := e.getCodec(modelToEncoding(req.Model))
	if err != nil {
		return 0
	}

	total := 0
	for _, msg := range req.Messages {
		total += tokensPerMessage + tokensPerRole
		for _, text := range messageTexts(msg.Content) {
			ids, _, _ := codec.Encode(text)
			total += len(ids)
		}
	}
	return total + assistantPriming
}

// messageTexts accepts both the string and the content-part array forms.
func messageTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return texts
}

func (e *Estimator) getCodec(encoding tokenizer.Encoding) (tokenizer.Codec, error) {
	e.cacheMu.RLock()
	if cached, ok := e.codecCache[encoding]; ok {
		e.cacheMu.RUnlock()
		return cached, nil
	}
	e.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	e.cacheMu.Lock()
	e.codecCache[encoding] = codec
	e.cacheMu.Unlock()

	return codec, nil
}

// modelToEncoding maps model names to tiktoken encodings.
//
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, o-series and unknown models
// - Cl100kBase: GPT-4, GPT-3.5-turbo, text-embedding
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
