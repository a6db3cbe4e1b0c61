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

package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet

	// Infrastructure
	RedisURL    string
	DatabaseURL string
	MetricsPort int

	// Scheduling
	JobIntervalHours  int
	MaxPerMinute      int
	RetryDelayMinutes int
	SafetyWindowHours int
	StaleRunHours     int
	StuckRunMinutes   int

	// Queues & workers
	CollectConcurrency int
	LLMConcurrency     int
	MaxQueriesPerRun   int

	// Rate limiting
	KeyRPM            int
	CollectMinDelayMs int
	LinkedinDelayMs   int
	IndeedDelayMs     int

	// Locks, cancellation, caches
	LockTTLSec        int
	CancelTTLSec      int
	RequestCacheTTLMs int

	// LLM keys: comma-separated list, or the single fallback key
	GeminiAPIKeys string
	GeminiAPIKey  string
	GeminiModel   string

	// Collection
	Sources      string
	ExpandTitles bool
	SerpAPIKey   string

	// Notification transport
	TelegramBotToken string
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("jobsearch-engine", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.RedisURL, "redis-url", env.WithDefaultString("REDIS_URL", "redis://localhost:6379"), "Redis URL for the lock/queue substrate")
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "Postgres URL for the durable store")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to")

	f.IntVar(&opts.JobIntervalHours, "job-interval-hours", env.WithDefaultInt("JOB_INTERVAL_HOURS", 1), "Hours between scheduled runs of one subscription")
	f.IntVar(&opts.MaxPerMinute, "schedule-max-per-minute", env.WithDefaultInt("SCHEDULE_MAX_PER_MINUTE", 5), "Due subscriptions started per scheduler tick")
	f.IntVar(&opts.RetryDelayMinutes, "retry-delay-minutes", env.WithDefaultInt("RETRY_DELAY_MIN", 5), "Minutes until a failed subscription is retried")
	f.IntVar(&opts.SafetyWindowHours, "safety-window-hours", env.WithDefaultInt("SAFETY_WINDOW_HOURS", 24), "Pre-work nextRunAt advance so crashes cannot wedge a subscription")
	f.IntVar(&opts.StaleRunHours, "stale-run-hours", env.WithDefaultInt("STALE_RUN_HOURS", 24), "Running runs older than this are force-failed")
	f.IntVar(&opts.StuckRunMinutes, "stuck-run-minutes", env.WithDefaultInt("STUCK_RUN_MINUTES", 10), "Running runs with no checkpoint for this long are considered hung")

	f.IntVar(&opts.CollectConcurrency, "queue-collect-concurrency", env.WithDefaultInt("QUEUE_COLLECT_CONCURRENCY", 2), "Concurrent collection workers")
	f.IntVar(&opts.LLMConcurrency, "queue-llm-concurrency", env.WithDefaultInt("QUEUE_LLM_CONCURRENCY", 5), "Concurrent matching workers")
	f.IntVar(&opts.MaxQueriesPerRun, "max-queries-per-run", env.WithDefaultInt("MAX_QUERIES_PER_RUN", 100), "Cap on title x source queries per run")

	f.IntVar(&opts.KeyRPM, "key-rpm", env.WithDefaultInt("KEY_RPM", 10), "Per-LLM-key requests per minute")
	f.IntVar(&opts.CollectMinDelayMs, "collect-min-delay-ms", env.WithDefaultInt("COLLECT_MIN_DELAY_MS", 1500), "Default delay between collection requests to one source")
	f.IntVar(&opts.LinkedinDelayMs, "linkedin-delay-ms", env.WithDefaultInt("LINKEDIN_DELAY_MS", 3000), "Delay between linkedin requests")
	f.IntVar(&opts.IndeedDelayMs, "indeed-delay-ms", env.WithDefaultInt("INDEED_DELAY_MS", 1000), "Delay between indeed requests")

	f.IntVar(&opts.LockTTLSec, "lock-ttl-sec", env.WithDefaultInt("LOCK_TTL_SEC", 7200), "Subscription lock TTL; must exceed the worst-case run duration")
	f.IntVar(&opts.CancelTTLSec, "cancel-ttl-sec", env.WithDefaultInt("CANCEL_TTL_SEC", 3600), "Cancellation flag TTL")
	f.IntVar(&opts.RequestCacheTTLMs, "request-cache-ttl-ms", env.WithDefaultInt("REQUEST_CACHE_TTL_MS", 300000), "In-flight request cache TTL")

	f.StringVar(&opts.GeminiAPIKeys, "gemini-api-keys", env.WithDefaultString("GEMINI_API_KEYS", ""), "Comma-separated LLM API key pool")
	f.StringVar(&opts.GeminiAPIKey, "gemini-api-key", env.WithDefaultString("GEMINI_API_KEY", ""), "Single fallback LLM API key")

	f.StringVar(&opts.GeminiModel, "gemini-model", env.WithDefaultString("GEMINI_MODEL", ""), "LLM model name override")

	f.StringVar(&opts.Sources, "sources", env.WithDefaultString("SOURCES", "linkedin,indeed"), "Comma-separated collection sources")
	f.BoolVar(&opts.ExpandTitles, "expand-titles", env.WithDefaultBool("EXPAND_TITLES", true), "Expand search titles from the resume via the LLM")
	f.StringVar(&opts.SerpAPIKey, "serpapi-key", env.WithDefaultString("SERPAPI_KEY", ""), "SerpApi key for job board collection")

	f.StringVar(&opts.TelegramBotToken, "telegram-bot-token", env.WithDefaultString("TELEGRAM_BOT_TOKEN", ""), "Telegram bot token for match notifications")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.DatabaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("DATABASE_URL is required"))
	}
	if len(o.APIKeys()) == 0 {
		err = multierr.Append(err, fmt.Errorf("GEMINI_API_KEYS or GEMINI_API_KEY is required"))
	}
	if o.KeyRPM <= 0 {
		err = multierr.Append(err, fmt.Errorf("KEY_RPM must be positive"))
	}
	if o.MaxQueriesPerRun <= 0 {
		err = multierr.Append(err, fmt.Errorf("MAX_QUERIES_PER_RUN must be positive"))
	}
	if len(o.SourceList()) == 0 {
		err = multierr.Append(err, fmt.Errorf("SOURCES must name at least one source"))
	}
	if o.SerpAPIKey == "" {
		err = multierr.Append(err, fmt.Errorf("SERPAPI_KEY is required"))
	}
	if o.TelegramBotToken == "" {
		err = multierr.Append(err, fmt.Errorf("TELEGRAM_BOT_TOKEN is required"))
	}
	return err
}

// APIKeys returns the configured key pool, falling back to the single key.
func (o Options) APIKeys() []string {
	var keys []string
	for _, k := range strings.Split(o.GeminiAPIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 && o.GeminiAPIKey != "" {
		keys = []string{o.GeminiAPIKey}
	}
	return keys
}

// SourceList returns the configured collection sources.
func (o Options) SourceList() []string {
	var sources []string
	for _, s := range strings.Split(o.Sources, ",") {
		if s = strings.TrimSpace(s); s != "" {
			sources = append(sources, s)
		}
	}
	return sources
}

func (o Options) JobInterval() time.Duration  { return time.Duration(o.JobIntervalHours) * time.Hour }
func (o Options) RetryDelay() time.Duration   { return time.Duration(o.RetryDelayMinutes) * time.Minute }
func (o Options) SafetyWindow() time.Duration { return time.Duration(o.SafetyWindowHours) * time.Hour }
func (o Options) StaleRunAge() time.Duration  { return time.Duration(o.StaleRunHours) * time.Hour }
func (o Options) StuckRunAge() time.Duration  { return time.Duration(o.StuckRunMinutes) * time.Minute }
func (o Options) LockTTL() time.Duration      { return time.Duration(o.LockTTLSec) * time.Second }
func (o Options) CancelTTL() time.Duration    { return time.Duration(o.CancelTTLSec) * time.Second }
func (o Options) RequestCacheTTL() time.Duration {
	return time.Duration(o.RequestCacheTTLMs) * time.Millisecond
}
func (o Options) CollectMinDelay() time.Duration {
	return time.Duration(o.CollectMinDelayMs) * time.Millisecond
}
func (o Options) LinkedinDelay() time.Duration {
	return time.Duration(o.LinkedinDelayMs) * time.Millisecond
}
func (o Options) IndeedDelay() time.Duration {
	return time.Duration(o.IndeedDelayMs) * time.Millisecond
}
