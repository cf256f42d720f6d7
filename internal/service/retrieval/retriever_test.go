package retrieval

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"anomalygpt/internal/domain/models/knowledge"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		emb, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

type fakeDocumentRepo struct {
	docs []knowledge.Document
	err  error
}

func (f *fakeDocumentRepo) CreateDocument(ctx context.Context, doc *knowledge.Document) error {
	return nil
}

func (f *fakeDocumentRepo) SearchSimilar(ctx context.Context, embedding []float32, topK int) ([]knowledge.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	if topK < len(f.docs) {
		return f.docs[:topK], nil
	}
	return f.docs, nil
}

func (f *fakeDocumentRepo) CountDocuments(ctx context.Context) (int, error) {
	return len(f.docs), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestRetrieve(t *testing.T) {
	repo := &fakeDocumentRepo{docs: []knowledge.Document{
		{ID: "d1", Content: "tp2 measures compressor outlet pressure"},
		{ID: "d2", Content: "lps is the low pressure switch"},
	}}
	var auditBuf bytes.Buffer
	r := NewRetriever(repo, &fakeEmbedder{}, NewAuditWriter(&auditBuf), 4, testLogger())

	docs := r.Retrieve(context.Background(), "p1", "what does tp2 measure?")
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}

	audit := auditBuf.String()
	if !strings.Contains(audit, "Prompt ID: p1") {
		t.Errorf("audit log missing prompt ID: %q", audit)
	}
	if !strings.Contains(audit, "Retrieved: 2, Sample (Top-1):") {
		t.Errorf("audit log missing retrieval summary: %q", audit)
	}
	if !strings.Contains(audit, "tp2 measures compressor outlet pressure") {
		t.Errorf("audit log missing top document: %q", audit)
	}
}

func TestRetrieveRespectsTopK(t *testing.T) {
	repo := &fakeDocumentRepo{docs: []knowledge.Document{
		{ID: "d1"}, {ID: "d2"}, {ID: "d3"},
	}}
	r := NewRetriever(repo, &fakeEmbedder{}, NewAuditWriter(nil), 2, testLogger())

	docs := r.Retrieve(context.Background(), "p1", "prompt")
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
}

func TestRetrieveDegradesOnEmbeddingFailure(t *testing.T) {
	repo := &fakeDocumentRepo{docs: []knowledge.Document{{ID: "d1"}}}
	r := NewRetriever(repo, &fakeEmbedder{err: errors.New("api down")}, NewAuditWriter(nil), 4, testLogger())

	docs := r.Retrieve(context.Background(), "p1", "prompt")
	if docs != nil {
		t.Fatalf("expected nil documents on embedding failure, got %v", docs)
	}
}

func TestRetrieveDegradesOnSearchFailure(t *testing.T) {
	repo := &fakeDocumentRepo{err: errors.New("db down")}
	r := NewRetriever(repo, &fakeEmbedder{}, NewAuditWriter(nil), 4, testLogger())

	docs := r.Retrieve(context.Background(), "p1", "prompt")
	if docs != nil {
		t.Fatalf("expected nil documents on search failure, got %v", docs)
	}
}
