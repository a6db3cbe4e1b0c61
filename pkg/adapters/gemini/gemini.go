/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gemini calls the Google Generative Language API. The API key is
// passed per call so the caller's key pool controls rotation; a 429 is
// tagged with the offending key so only that key gets benched.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
)

const (
	defaultModel   = "gemini-2.0-flash"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
)

type Client struct {
	model   string
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

func NewClient(model string, log *zap.SugaredLogger) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     log,
	}
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig struct {
		ResponseMIMEType string `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Call runs one generateContent request and returns the model's JSON
// output. The response is requested as application/json so downstream
// schema validation sees bare JSON, not markdown fences.
func (c *Client) Call(ctx context.Context, messages []adapters.Message, apiKey string) (json.RawMessage, error) {
	var req generateRequest
	for _, m := range messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	req.GenerationConfig.ResponseMIMEType = "application/json"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding model request, %w", err)
	}
	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.baseURL, c.model, apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building model request, %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling model, %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading model response, %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &errors.KeyRateLimitedError{
			Key: apiKey,
			Err: fmt.Errorf("calling model, got 429 too many requests"),
		}
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding model response, %w", err)
	}
	if parsed.Error != nil {
		if parsed.Error.Code == http.StatusTooManyRequests || errors.Is429Message(parsed.Error.Message) {
			return nil, &errors.KeyRateLimitedError{
				Key: apiKey,
				Err: fmt.Errorf("calling model, %s", parsed.Error.Message),
			}
		}
		return nil, fmt.Errorf("calling model, %s (%s)", parsed.Error.Message, parsed.Error.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calling model, status %d", resp.StatusCode)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("model returned no candidates")
	}

	text := strings.TrimSpace(parsed.Candidates[0].Content.Parts[0].Text)
	return json.RawMessage(text), nil
}
