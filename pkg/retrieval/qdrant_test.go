package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type fakeQuerier struct {
	points []*qdrant.ScoredPoint
	err    error
	got    *qdrant.QueryPoints
}

func (f *fakeQuerier) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.got = req
	return f.points, f.err
}

func TestQdrantSearcherMapsPoints(t *testing.T) {
	querier := &fakeQuerier{points: []*qdrant.ScoredPoint{
		{
			Id:    qdrant.NewIDNum(7),
			Score: 0.875,
			Payload: map[string]*qdrant.Value{
				"body":  qdrant.NewValueString("Open Monday to Friday, 9 to 5."),
				"title": qdrant.NewValueString("Hours"),
				"page":  qdrant.NewValueInt(3),
			},
		},
		{
			Id:      qdrant.NewIDNum(8),
			Score:   0.5,
			Payload: map[string]*qdrant.Value{"title": qdrant.NewValueString("no text")},
		},
	}}

	s := newQdrantSearcher(querier, fakeEmbedder{vec: []float32{0.1, 0.2}}, QdrantOptions{
		Collection: "faq",
		TextField:  "body",
		VectorName: "dense",
	}, nil)

	passages, err := s.Search(context.Background(), "when are you open", 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if querier.got.GetCollectionName() != "faq" {
		t.Fatalf("collection = %q, want faq", querier.got.GetCollectionName())
	}
	if querier.got.GetLimit() != 3 {
		t.Fatalf("limit = %d, want 3", querier.got.GetLimit())
	}
	if querier.got.GetUsing() != "dense" {
		t.Fatalf("using = %q, want dense", querier.got.GetUsing())
	}

	if len(passages) != 1 {
		t.Fatalf("passages = %+v, want 1", passages)
	}
	p := passages[0]
	if p.Text != "Open Monday to Friday, 9 to 5." || p.Score != 0.875 {
		t.Fatalf("passage = %+v", p)
	}
	if p.Source["title"] != "Hours" || p.Source["page"] != "3" || p.Source["id"] != "7" {
		t.Fatalf("source = %+v", p.Source)
	}
}

func TestQdrantSearcherPropagatesErrors(t *testing.T) {
	embedErr := errors.New("embedding down")
	s := newQdrantSearcher(&fakeQuerier{}, fakeEmbedder{err: embedErr}, QdrantOptions{Collection: "faq"}, nil)
	if _, err := s.Search(context.Background(), "q", 3); !errors.Is(err, embedErr) {
		t.Fatalf("error = %v, want %v", err, embedErr)
	}

	queryErr := errors.New("collection missing")
	s = newQdrantSearcher(&fakeQuerier{err: queryErr}, fakeEmbedder{vec: []float32{1}}, QdrantOptions{Collection: "faq"}, nil)
	if _, err := s.Search(context.Background(), "q", 3); !errors.Is(err, queryErr) {
		t.Fatalf("error = %v, want %v", err, queryErr)
	}
}

func TestNewQdrantSearcherRequiresCollection(t *testing.T) {
	if _, err := NewQdrantSearcher(QdrantOptions{}, fakeEmbedder{}, nil); err == nil {
		t.Fatal("expected error for missing collection")
	}
	if _, err := NewQdrantSearcher(QdrantOptions{Collection: "faq"}, nil, nil); err == nil {
		t.Fatal("expected error for missing embedder")
	}
}
