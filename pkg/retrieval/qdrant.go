package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

const DefaultTextField = "text"

type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	// TextField names the payload key holding the passage text.
	TextField  string
	VectorName string
}

type pointQuerier interface {
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}

// QdrantSearcher embeds the query and runs a nearest-neighbour query
// against one collection.
type QdrantSearcher struct {
	client     *qdrant.Client
	querier    pointQuerier
	embedder   Embedder
	collection string
	textField  string
	vectorName string
	log        *slog.Logger
}

func NewQdrantSearcher(opts QdrantOptions, embedder Embedder, log *slog.Logger) (*QdrantSearcher, error) {
	if embedder == nil {
		return nil, errors.New("qdrant searcher: embedder is required")
	}
	if strings.TrimSpace(opts.Collection) == "" {
		return nil, errors.New("qdrant searcher: collection is required")
	}
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "localhost"
	}
	port := opts.Port
	if port <= 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant searcher: %w", err)
	}

	s := newQdrantSearcher(client, embedder, opts, log)
	s.client = client
	return s, nil
}

func newQdrantSearcher(querier pointQuerier, embedder Embedder, opts QdrantOptions, log *slog.Logger) *QdrantSearcher {
	if log == nil {
		log = slog.Default()
	}
	textField := strings.TrimSpace(opts.TextField)
	if textField == "" {
		textField = DefaultTextField
	}

	return &QdrantSearcher{
		querier:    querier,
		embedder:   embedder,
		collection: strings.TrimSpace(opts.Collection),
		textField:  textField,
		vectorName: strings.TrimSpace(opts.VectorName),
		log:        log.With("component", "retrieval.qdrant"),
	}
}

func (s *QdrantSearcher) Search(ctx context.Context, query string, topK int) ([]Passage, error) {
	if topK <= 0 {
		return nil, nil
	}
	startedAt := time.Now()

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if s.vectorName != "" {
		req.Using = qdrant.PtrOf(s.vectorName)
	}

	points, err := s.querier.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query %s: %w", s.collection, err)
	}

	passages := make([]Passage, 0, len(points))
	for _, point := range points {
		if p, ok := s.toPassage(point); ok {
			passages = append(passages, p)
		}
	}
	s.log.Debug("Qdrant query completed",
		"collection", s.collection,
		"points", len(points),
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)

	return passages, nil
}

func (s *QdrantSearcher) Health(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health: %w", err)
	}
	return nil
}

func (s *QdrantSearcher) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *QdrantSearcher) toPassage(point *qdrant.ScoredPoint) (Passage, bool) {
	if point == nil {
		return Passage{}, false
	}
	payload := point.GetPayload()
	text := strings.TrimSpace(payload[s.textField].GetStringValue())
	if text == "" {
		return Passage{}, false
	}

	source := make(map[string]string, len(payload))
	for key, value := range payload {
		if key == s.textField {
			continue
		}
		if v, ok := scalarString(value); ok {
			source[key] = v
		}
	}
	if id := pointID(point.GetId()); id != "" {
		source["id"] = id
	}

	return Passage{Text: text, Score: float64(point.GetScore()), Source: source}, true
}

func scalarString(value *qdrant.Value) (string, bool) {
	switch kind := value.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue, true
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(kind.IntegerValue, 10), true
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(kind.DoubleValue, 'f', -1, 64), true
	case *qdrant.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), true
	default:
		return "", false
	}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return strconv.FormatUint(id.GetNum(), 10)
}
