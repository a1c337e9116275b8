package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JonMunkholm/certledger/internal/records"
	"github.com/JonMunkholm/certledger/internal/store"
)

// BatchRecord is the stored history entry for one import.
type BatchRecord struct {
	ImportResult
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// recordBatch stores the batch summary. A failure is logged and does not
// change the result already computed for the caller.
func (r *Reconciler) recordBatch(ctx context.Context, b *batch, result *ImportResult, start time.Time) {
	rec := BatchRecord{ImportResult: *result, StartedAt: start.UTC(), FinishedAt: r.now().UTC()}

	doc, err := toDocument(rec)
	if err == nil {
		err = r.store.InsertIfAbsent(ctx, records.CollectionImportBatches, result.BatchID, doc)
	}
	if err != nil {
		b.logger.Warn("import history not recorded", "error", err)
	}
}

// Batch returns the stored summary of a previous import.
func (r *Reconciler) Batch(ctx context.Context, batchID string) (*BatchRecord, error) {
	doc, err := r.store.Get(ctx, records.CollectionImportBatches, batchID)
	if err != nil {
		return nil, err
	}
	delete(doc, store.IDKey)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode import batch %s: %w", batchID, err)
	}
	var rec BatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode import batch %s: %w", batchID, err)
	}
	return &rec, nil
}

// toDocument flattens v into JSON-compatible values so every backend stores
// the same shape.
func toDocument(v any) (store.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
