// Package retrieval fetches passages relevant to an inbound message from a
// semantic search collaborator. Failures never propagate: callers get an
// empty context and a degraded flag.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

var (
	ErrNoSearcher = errors.New("retrieval: no searcher configured")
	ErrTimeout    = errors.New("retrieval: search timed out")
)

// Passage is one scored search hit. Source carries collaborator metadata
// such as the point id or document title.
type Passage struct {
	Text   string            `json:"text"`
	Score  float64           `json:"score"`
	Source map[string]string `json:"source,omitempty"`
}

// Context is ordered by descending score.
type Context []Passage

// Searcher is the semantic search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]Passage, error)
}

type SearcherFunc func(ctx context.Context, query string, topK int) ([]Passage, error)

func (f SearcherFunc) Search(ctx context.Context, query string, topK int) ([]Passage, error) {
	return f(ctx, query, topK)
}

type Result struct {
	Passages Context
	Degraded bool
	Err      error
}

type Options struct {
	TopK    int
	Timeout time.Duration
}

type Retriever struct {
	searcher Searcher
	topK     int
	timeout  time.Duration
	log      *slog.Logger
}

func NewRetriever(searcher Searcher, opts Options, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}

	return &Retriever{
		searcher: searcher,
		topK:     opts.TopK,
		timeout:  opts.Timeout,
		log:      log.With("component", "retrieval.retriever"),
	}
}

func (r *Retriever) TopK() int {
	return r.topK
}

// Retrieve queries the searcher under the configured timeout. A searcher
// that ignores cancellation is abandoned and its late result discarded.
func (r *Retriever) Retrieve(ctx context.Context, query string) Result {
	if r == nil || r.searcher == nil {
		return Result{Passages: Context{}, Degraded: true, Err: ErrNoSearcher}
	}

	query = strings.TrimSpace(query)
	startedAt := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type searchResult struct {
		passages []Passage
		err      error
	}
	done := make(chan searchResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- searchResult{err: fmt.Errorf("retrieval: searcher panicked: %v", rec)}
			}
		}()
		passages, err := r.searcher.Search(ctx, query, r.topK)
		done <- searchResult{passages: passages, err: err}
	}()

	var res searchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ErrTimeout
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.err = fmt.Errorf("retrieval: %w", ctx.Err())
		}
	}

	if res.err != nil {
		r.log.Warn("Retrieval degraded",
			"duration_ms", time.Since(startedAt).Milliseconds(),
			"error", res.err,
		)
		return Result{Passages: Context{}, Degraded: true, Err: res.err}
	}

	passages := rank(res.passages, r.topK)
	r.log.Debug("Retrieval completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"passages", len(passages),
	)

	return Result{Passages: passages}
}

// rank drops blank passages, sorts by score and keeps at most topK.
func rank(passages []Passage, topK int) Context {
	out := make(Context, 0, len(passages))
	for _, p := range passages {
		p.Text = strings.TrimSpace(p.Text)
		if p.Text == "" {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if len(out) > topK {
		out = out[:topK]
	}

	return out
}
