// Package judge implements the cached, batched LLM relevance judge (C3):
// it scores (query, candidate-post) pairs 0-100 via an Anthropic
// chat-completion model, with a deterministic prompt and a Postgres-backed
// prompt/result cache keyed on sha256(prompt) + model name.
package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
)

// ErrUnavailable is the typed "judge unavailable" signal spec'd for
// network, parse or API failures: callers fall back to dense similarity.
var ErrUnavailable = errors.New("judge: unavailable")

// Doc is the subset of a post's text the judge needs to build a prompt.
type Doc struct {
	ID      int64
	Title   string
	Summary string
	Body    string
}

// Score is a single scored candidate or query, 0-100.
type Score struct {
	ID    int64
	Score int
}

// Cache is the prompt/result cache the judge reads through. Implemented by
// internal/matchcache against the search_cache table.
type Cache interface {
	Get(ctx context.Context, promptHash, modelName string) ([]byte, bool, error)
	Put(ctx context.Context, promptHash, modelName string, results []byte) error
}

// Judge scores candidate posts against a query, or a single post against
// many queries, via a cached Anthropic chat-completion call.
type Judge struct {
	client     anthropic.Client
	model      anthropic.Model
	cache      Cache
	maxRetries uint64
	timeout    time.Duration
}

// New constructs a Judge. apiKey must be non-empty; callers typically pass
// cfg.Judge.AnthropicAPIKey.
func New(apiKey, model string, cache Cache, requestTimeout time.Duration, maxRetries int) (*Judge, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("judge: ANTHROPIC_API_KEY must not be empty")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Judge{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      anthropic.Model(model),
		cache:      cache,
		maxRetries: uint64(maxRetries),
		timeout:    requestTimeout,
	}, nil
}

// Rank scores each candidate's relevance to query, returning one Score per
// candidate in the order candidates appear in the response (not
// necessarily the input order — callers that need a total mapping should
// treat missing ids as score 0).
func (j *Judge) Rank(ctx context.Context, query Doc, candidates []Doc) ([]Score, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	prompt := buildRankPrompt(query, candidates)
	return j.evaluate(ctx, prompt)
}

// Evaluate scores a single new post against a batch of up to 20 queries,
// returning one Score per query in the response.
func (j *Judge) Evaluate(ctx context.Context, queries []Doc, post Doc) ([]Score, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	if len(queries) > 20 {
		return nil, fmt.Errorf("judge: Evaluate batch size %d exceeds 20", len(queries))
	}
	prompt := buildEvaluatePrompt(queries, post)
	return j.evaluate(ctx, prompt)
}

// evaluate runs the full cache-then-call-then-parse-then-cache pipeline for
// a fully-constructed prompt.
func (j *Judge) evaluate(ctx context.Context, prompt string) ([]Score, error) {
	hash := promptHash(prompt)
	modelName := string(j.model)

	if j.cache != nil {
		if cached, ok, err := j.cache.Get(ctx, hash, modelName); err == nil && ok {
			scores, parseErr := decodeScores(cached)
			if parseErr == nil {
				return scores, nil
			}
			// Corrupt cache row: fall through to a live call rather than
			// propagating an unavailable signal for a caching bug.
		}
	}

	text, err := j.callWithRetry(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	jsonText, err := extractJSONArray(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	scores, err := decodeScores([]byte(jsonText))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if j.cache != nil {
		canonical, err := json.Marshal(scores)
		if err == nil {
			_ = j.cache.Put(ctx, hash, modelName, canonical)
		}
	}

	return scores, nil
}

func (j *Judge) callWithRetry(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       j.model,
		MaxTokens:   2000,
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // bounded by MaxRetries below instead
	policy := backoff.WithMaxRetries(bo, j.maxRetries)

	var result string
	op := func() error {
		callCtx := ctx
		var cancel context.CancelFunc
		if j.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, j.timeout)
			defer cancel()
		}

		message, err := j.client.Messages.New(callCtx, params)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		if len(message.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("empty response content"))
		}
		block := message.Content[0]
		if block.Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected content block type %q", block.Type))
		}
		result = block.Text
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	return result, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func promptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// extractJSONArray locates the first top-level JSON array in text,
// tolerating triple-backtick code fences or surrounding prose, per the
// tolerant-extractor re-architecture in spec.md section 9.
func extractJSONArray(text string) (string, error) {
	trimmed := strings.TrimSpace(text)

	if idx := strings.Index(trimmed, "```json"); idx >= 0 {
		rest := trimmed[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	} else if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(trimmed, '[')
	if start < 0 {
		return "", fmt.Errorf("no JSON array found in response")
	}

	depth := 0
	for i := start; i < len(trimmed); i++ {
		switch trimmed[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return trimmed[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON array in response")
}

// scoreItem covers both reply shapes the prompts request: {"id":...,
// "score":...} for Rank, {"query_id":...,"score":...} for Evaluate.
type scoreItem struct {
	ID      *int64 `json:"id"`
	QueryID *int64 `json:"query_id"`
	Score   int    `json:"score"`
}

func decodeScores(data []byte) ([]Score, error) {
	var items []scoreItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode judge response: %w", err)
	}
	out := make([]Score, len(items))
	for i, item := range items {
		switch {
		case item.ID != nil:
			out[i] = Score{ID: *item.ID, Score: item.Score}
		case item.QueryID != nil:
			out[i] = Score{ID: *item.QueryID, Score: item.Score}
		default:
			return nil, fmt.Errorf("decode judge response: item %d has neither id nor query_id", i)
		}
	}
	return out, nil
}

const rubric = `Score from 0-100 where:
- 0-39: Not relevant
- 40-59: Somewhat relevant (marginal)
- 60-79: Relevant
- 80-100: Highly relevant`

func buildRankPrompt(query Doc, candidates []Doc) string {
	var b strings.Builder
	b.WriteString("You are a semantic search relevance evaluator. Given a search query and a list of posts, score each post's relevance to the query from 0-100.\n\n")
	fmt.Fprintf(&b, "Query:\nTitle: %s\nSummary: %s\nDetail: %s\n\n", query.Title, query.Summary, query.Body)
	b.WriteString("Posts to evaluate:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "\nPost ID %d:\nTitle: %s\nSummary: %s\nBody: %s\n---\n", c.ID, c.Title, c.Summary, c.Body)
	}
	b.WriteString("\nReturn ONLY a JSON array with this exact format:\n[{\"id\": <post_id>, \"score\": <0-100>}, ...]\n\n")
	b.WriteString(rubric)
	b.WriteString("\n\nInclude every post, even if its score is 0.\n")
	return b.String()
}

func buildEvaluatePrompt(queries []Doc, post Doc) string {
	var b strings.Builder
	b.WriteString("You are a semantic search relevance evaluator. Below are search queries from users looking for specific content.\n\n")
	for _, q := range queries {
		fmt.Fprintf(&b, "Query %d: %s %s %s\n\n", q.ID, q.Title, q.Summary, q.Body)
	}
	fmt.Fprintf(&b, "A new post has just been created:\nTitle: %s\nSummary: %s\nBody: %s\n\n", post.Title, post.Summary, post.Body)
	b.WriteString("For EACH query above, score 0-100: does this new post answer or match what that query is searching for?\n\n")
	b.WriteString("Return ONLY a JSON array with this exact format:\n[{\"query_id\": <id>, \"score\": <0-100>}, ...]\n\n")
	b.WriteString(rubric)
	b.WriteString("\n\nInclude every query, even if its score is 0.\n")
	return b.String()
}
