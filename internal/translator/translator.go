// Package translator dispatches bounded-concurrency chunk translations to an
// OpenAI-compatible chat-completion backend.
package translator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"arxiv-translate/internal/logger"
	"arxiv-translate/internal/splitter"
	"arxiv-translate/internal/types"
)

const (
	// MaxRetries is the per-chunk retry budget on transport/model errors.
	MaxRetries = 3
	// retryDelayCap bounds the linear backoff between retries.
	retryDelayCap = 4 * time.Second

	systemPrompt = "You are a professional translator."
)

// Config is the immutable per-job translator configuration.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TargetLanguage string
	Concurrency    int
	Timeout        time.Duration
	// RateLimitRPM caps request starts per minute; zero disables limiting.
	RateLimitRPM int
}

// IsChineseTarget reports whether the target language requires CJK-capable
// compilation support.
func (c Config) IsChineseTarget() bool {
	lang := strings.ToLower(c.TargetLanguage)
	return strings.Contains(lang, "中文") || strings.Contains(lang, "chinese") || lang == "zh"
}

// ProgressFn receives (done, total) after each chunk completes. Completion
// order is not document order; callers must not use it for assembly.
type ProgressFn func(done, total int)

// Translator translates LaTeX chunks while preserving commands and
// equations. The zero value is not usable; construct with New.
type Translator struct {
	cfg     Config
	client  openai.Client
	limiter *rate.Limiter
}

// New validates cfg and builds a Translator. It fails fast on a missing API
// key or model so jobs do not start work they cannot finish.
func New(cfg Config) (*Translator, error) {
	if cfg.APIKey == "" {
		return nil, types.NewAppError(types.ErrConfig, "API key is not configured", nil)
	}
	if cfg.Model == "" {
		return nil, types.NewAppError(types.ErrConfig, "translation model is not configured", nil)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), 1)
	}

	return &Translator{
		cfg:     cfg,
		client:  openai.NewClient(opts...),
		limiter: limiter,
	}, nil
}

// buildPrompt asks for a translation of prose only, keeping every LaTeX
// command, environment delimiter and equation untouched.
func (t *Translator) buildPrompt(chunk, extraInstruction string) string {
	more := strings.TrimSpace(extraInstruction)
	if more != "" && !strings.HasSuffix(more, " ") {
		more += " "
	}
	target := strings.TrimSpace(t.cfg.TargetLanguage)
	if target == "" {
		target = "the target language"
	}
	if t.cfg.IsChineseTarget() {
		target = "Chinese"
	}
	return "Below is a section from an English academic paper, translate it into " + target + ". " +
		more +
		`Do not modify any latex command such as \section, \cite, \begin, \item and equations. ` +
		"Answer me only with the translated text:" +
		"\n\n" + chunk
}

func (t *Translator) translateOnce(ctx context.Context, chunk, extraInstruction string) (string, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	resp, err := t.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(t.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(t.buildPrompt(chunk, extraInstruction)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", types.NewAppError(types.ErrAPICall, "model returned no choices", nil)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", types.NewAppError(types.ErrAPICall, "model returned empty text", nil)
	}
	return splitter.NormalizeTranslatedChunk(content), nil
}

func (t *Translator) translateWithRetry(ctx context.Context, chunk, extraInstruction string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		out, err := t.translateOnce(ctx, chunk, extraInstruction)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt >= MaxRetries {
			break
		}
		delay := time.Duration(float64(attempt) * 1.5 * float64(time.Second))
		if delay > retryDelayCap {
			delay = retryDelayCap
		}
		logger.Warn("chunk translation failed, retrying",
			logger.Int("attempt", attempt), logger.Duration("delay", delay), logger.Err(lastErr))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", types.NewAppErrorWithDetails(types.ErrTranslation, "chunk translation failed after retries", lastErr.Error(), lastErr)
}

// TranslateChunks translates chunks concurrently under the configured
// semaphore and returns results in input order. Any chunk failing after its
// retry budget fails the whole call with that chunk's error wrapped.
func (t *Translator) TranslateChunks(ctx context.Context, chunks []string, extraInstruction string, onProgress ProgressFn) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	logger.Info("translating chunks",
		logger.Int("count", len(chunks)),
		logger.Int("concurrency", t.cfg.Concurrency),
		logger.String("model", t.cfg.Model))

	results := make([]string, len(chunks))
	errs := make([]error, len(chunks))
	sem := make(chan struct{}, t.cfg.Concurrency)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)

	for i, chunk := range chunks {
		wg.Add(1)
		go func(idx int, text string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				errs[idx] = ctx.Err()
				return
			}

			out, err := t.translateWithRetry(ctx, text, extraInstruction)
			results[idx] = out
			errs[idx] = err

			mu.Lock()
			done++
			completed := done
			mu.Unlock()

			if onProgress != nil {
				onProgress(completed, len(chunks))
			}
		}(i, chunk)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, types.NewAppError(types.ErrCancelled, "translation cancelled", ctx.Err())
		}
		if appErr, ok := err.(*types.AppError); ok {
			appErr.Details = fmt.Sprintf("chunk %d: %s", i+1, appErr.Details)
			return nil, appErr
		}
		return nil, types.NewAppErrorWithDetails(types.ErrTranslation,
			fmt.Sprintf("chunk %d translation failed", i+1), err.Error(), err)
	}
	return results, nil
}
