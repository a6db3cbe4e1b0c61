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

// Package serpapi collects job postings through the SerpApi google_jobs
// engine. One Collector instance serves every configured source tag; the
// tag is forwarded so downstream rate limiting stays per-source.
package serpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/core"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/errors"
)

const defaultBaseURL = "https://serpapi.com/search.json"

type Collector struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

func NewCollector(apiKey string, log *zap.SugaredLogger) *Collector {
	return &Collector{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type searchResponse struct {
	JobsResults []jobResult `json:"jobs_results"`
	Error       string      `json:"error,omitempty"`
}

type jobResult struct {
	Title       string `json:"title"`
	CompanyName string `json:"company_name"`
	Location    string `json:"location"`
	Description string `json:"description"`
	ShareLink   string `json:"share_link"`
	ApplyLink   struct {
		Link string `json:"link"`
	} `json:"apply_link"`
	DetectedExtensions struct {
		PostedAt string `json:"posted_at"`
	} `json:"detected_extensions"`
}

// Collect runs one google_jobs search. HTTP 429 comes back as a tagged
// *errors.RateLimitedError so the limiter can open a source cooldown.
func (c *Collector) Collect(ctx context.Context, req core.CollectRequest) ([]core.RawJob, error) {
	q := url.Values{}
	q.Set("engine", "google_jobs")
	q.Set("api_key", c.apiKey)
	q.Set("q", searchQuery(req))
	if req.Location != "" && !req.IsRemote {
		q.Set("location", req.Location)
	}
	if req.IsRemote {
		q.Set("ltype", "1")
	}
	if req.DatePosted != "" {
		q.Set("chips", "date_posted:"+req.DatePosted)
	}
	if req.Limit > 0 {
		q.Set("num", strconv.Itoa(req.Limit))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building search request, %w", err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("searching %s, %w", req.Source, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading search response, %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &errors.RateLimitedError{
			Source: req.Source,
			Err:    fmt.Errorf("searching %s, got 429 too many requests", req.Source),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searching %s, status %d: %s", req.Source, resp.StatusCode, truncate(body, 200))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding search response, %w", err)
	}
	if parsed.Error != "" {
		if errors.Is429Message(parsed.Error) {
			return nil, &errors.RateLimitedError{
				Source: req.Source,
				Err:    fmt.Errorf("searching %s, %s", req.Source, parsed.Error),
			}
		}
		return nil, fmt.Errorf("searching %s, %s", req.Source, parsed.Error)
	}

	jobs := lo.Map(parsed.JobsResults, func(r jobResult, _ int) core.RawJob {
		link := r.ApplyLink.Link
		if link == "" {
			link = r.ShareLink
		}
		return core.RawJob{
			Title:       r.Title,
			Company:     r.CompanyName,
			Location:    r.Location,
			Description: r.Description,
			URL:         link,
			Source:      req.Source,
			DatePosted:  r.DetectedExtensions.PostedAt,
		}
	})
	if req.Limit > 0 && len(jobs) > req.Limit {
		jobs = jobs[:req.Limit]
	}
	c.log.Debugf("collected %d postings from %s for %q", len(jobs), req.Source, req.Query)
	return jobs, nil
}

// searchQuery biases the google_jobs query toward the source's own board
// so one upstream engine still yields per-board results.
func searchQuery(req core.CollectRequest) string {
	q := req.Query
	switch req.Source {
	case "linkedin":
		q += " site:linkedin.com/jobs"
	case "indeed":
		q += " site:indeed.com"
	}
	if req.JobType != "" {
		q += " " + req.JobType
	}
	if req.IsRemote {
		q += " remote"
	}
	return q
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
