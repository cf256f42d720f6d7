package retrieval

import (
	"fmt"
	"io"
	"sync"

	"anomalygpt/internal/domain/models/knowledge"
)

// AuditWriter appends one record per retrieval to the context audit log so
// retrieved grounding can be inspected after the fact.
type AuditWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewAuditWriter wraps an append-only log writer. A nil writer disables
// auditing.
func NewAuditWriter(w io.Writer) *AuditWriter {
	return &AuditWriter{w: w}
}

// Record writes one audit entry: the prompt, how many documents were
// retrieved, and the best match.
func (a *AuditWriter) Record(promptID, prompt string, docs []knowledge.Document) error {
	if a == nil || a.w == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := fmt.Fprintf(a.w, "Prompt ID: %s\nPrompt: %s\n\n", promptID, prompt); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if len(docs) == 0 {
		_, err := fmt.Fprintf(a.w, "Retrieved: 0\n\n\n")
		if err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
		return nil
	}
	if _, err := fmt.Fprintf(a.w, "Retrieved: %d, Sample (Top-1):\n%s\n\n\n", len(docs), docs[0].Content); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}
