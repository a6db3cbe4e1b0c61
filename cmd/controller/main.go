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

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters/gemini"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters/serpapi"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/adapters/telegram"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/operator"
	"github.com/nick-the-dev/ai-job-finder-sub001/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()
	log := operator.NewLogger()
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	op, err := operator.New(ctx, opts, operator.Adapters{
		Collector: serpapi.NewCollector(opts.SerpAPIKey, log),
		LLM:       gemini.NewClient(opts.GeminiModel, log),
		Notifier:  telegram.NewNotifier(opts.TelegramBotToken, log),
	}, log)
	if err != nil {
		log.Fatalf("assembling engine, %v", err)
	}
	op.Start(ctx)
}
