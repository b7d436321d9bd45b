package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"golang.org/x/sync/errgroup"
)

// bulkConcurrency bounds concurrent Enqueue calls within one submission.
const bulkConcurrency = 8

// BulkItem is the outcome of dispatching one File.
type BulkItem struct {
	FileID string              `json:"file_id"`
	Kind   domain.DispatchKind `json:"kind,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// BulkResult summarizes a bulk enqueue.
type BulkResult struct {
	Status       string     `json:"status"`
	SubmissionID string     `json:"submission_id"`
	Accepted     int        `json:"accepted"`
	Skipped      int        `json:"skipped"`
	Files        []BulkItem `json:"files"`
}

// BulkEnqueue dispatches every File of a Submission that is waiting for its
// next stage. Files already in flight or terminal are skipped. Per-file
// failures are reported in the result rather than aborting the batch.
func (d *Dispatcher) BulkEnqueue(ctx context.Context, tenantID, submissionID string) (*BulkResult, error) {
	if tenantID == "" {
		return nil, apperrors.Unauthenticated("missing tenant")
	}
	st := d.machine.Store()
	if _, err := st.GetSubmission(ctx, tenantID, submissionID); err != nil {
		return nil, fmt.Errorf("BulkEnqueue: %w", err)
	}
	files, err := st.ListFiles(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("BulkEnqueue: %w", err)
	}

	res := &BulkResult{Status: "accepted", SubmissionID: submissionID}
	var (
		mu    sync.Mutex
		items = make([]BulkItem, len(files))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i, f := range files {
		items[i].FileID = f.ID
		if !dispatchable(f) {
			res.Skipped++
			continue
		}
		g.Go(func() error {
			acc, err := d.Enqueue(gctx, tenantID, f.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				items[i].Error = apperrors.PublicMessage(err)
				return nil
			}
			items[i].Kind = acc.Kind
			res.Accepted++
			return nil
		})
	}
	_ = g.Wait()

	res.Files = items
	return res, nil
}

func dispatchable(f *domain.File) bool {
	switch f.Status {
	case domain.FileUploaded:
		return true
	case domain.FileClassified:
		return f.DocumentType.Extractable()
	}
	return false
}
