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

// Package telegram delivers match notifications through the Telegram Bot
// API. Delivery is at-least-once; duplicate suppression is the deduping
// wrapper's job, not this transport's.
package telegram

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

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
)

const defaultBaseURL = "https://api.telegram.org"

type Notifier struct {
	token   string
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

func NewNotifier(token string, log *zap.SugaredLogger) *Notifier {
	return &Notifier{
		token:   token,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func (n *Notifier) Send(ctx context.Context, chatID string, match core.MatchResult, idempotencyKey string) error {
	req := sendMessageRequest{
		ChatID:                chatID,
		Text:                  formatMatch(match),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding notification, %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request, %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending notification, %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading notification response, %w", err)
	}
	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("decoding notification response, status %d, %w", resp.StatusCode, err)
	}
	if !parsed.OK {
		return fmt.Errorf("sending notification, status %d: %s", resp.StatusCode, parsed.Description)
	}
	n.log.Debugf("notified chat %s about %q at %s", chatID, match.Job.Title, match.Job.Company)
	return nil
}

func formatMatch(m core.MatchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> at <b>%s</b> (%d%% match)\n", escape(m.Job.Title), escape(m.Job.Company), m.Score)
	if m.Job.Location != "" {
		fmt.Fprintf(&b, "%s\n", escape(m.Job.Location))
	}
	if len(m.Strengths) > 0 {
		b.WriteString("\nStrengths:\n")
		for _, s := range m.Strengths {
			fmt.Fprintf(&b, "  + %s\n", escape(s))
		}
	}
	if len(m.Weaknesses) > 0 {
		b.WriteString("\nGaps:\n")
		for _, w := range m.Weaknesses {
			fmt.Fprintf(&b, "  - %s\n", escape(w))
		}
	}
	if m.Job.URL != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Apply</a>", m.Job.URL)
	}
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
