package attendance

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smartclassroom/internal/logger"
	"smartclassroom/internal/model"
)

// BatchItem is the result of one image in a batch.
type BatchItem struct {
	Index   int      `json:"index"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Error   string   `json:"error,omitempty"`
	// Retryable is set for items that failed on an embedding backend error.
	Retryable bool `json:"retryable,omitempty"`
}

// BatchResult aggregates a batch verification.
type BatchResult struct {
	BatchID           string      `json:"batch_id"`
	ClassID           string      `json:"class_id"`
	Total             int         `json:"total"`
	Succeeded         int         `json:"succeeded"`
	Failed            int         `json:"failed"`
	Registered        int         `json:"registered"`
	AlreadyRegistered int         `json:"already_registered"`
	Items             []BatchItem `json:"items"`
}

// VerifyBatch verifies every image independently. Per-item input problems
// and embedding failures are reported in the item; a datastore failure fails
// the whole request once every item has finished. Items that were already
// recorded stay recorded, so a retry resolves them as already registered.
func (e *Engine) VerifyBatch(ctx context.Context, classID string, images [][]byte) (BatchResult, error) {
	if len(images) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}
	if len(images) > e.maxBatch {
		return BatchResult{}, ErrBatchTooLarge
	}
	e.metrics.BatchSize(len(images))

	ctx, cancel := e.bound(ctx)
	defer cancel()

	sess, err := e.session(ctx, classID)
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{
		BatchID: uuid.NewString(),
		ClassID: classID,
		Total:   len(images),
		Items:   make([]BatchItem, len(images)),
	}
	log := e.log.With(zap.String(logger.FieldBatchID, res.BatchID), zap.String(logger.FieldClassID, classID))

	var (
		mu       sync.Mutex
		fatalErr error
	)
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			item := BatchItem{Index: i}
			emb, neg, err := e.embed(ctx, img)
			switch {
			case err != nil:
				item.Error = err.Error()
				item.Retryable = errors.Is(err, ErrUnavailable)
			case emb == nil:
				e.metrics.Verification(string(model.MethodFace), neg.Reason)
				item.Outcome = &neg
			default:
				out, err := e.decideFace(ctx, sess, emb)
				if err != nil {
					item.Error = err.Error()
					item.Retryable = true
					mu.Lock()
					if fatalErr == nil {
						fatalErr = err
					}
					mu.Unlock()
				} else {
					item.Outcome = &out
				}
			}
			res.Items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	if fatalErr != nil {
		log.Error("batch aborted by datastore failure", zap.Error(fatalErr))
		return res, fatalErr
	}

	for _, item := range res.Items {
		switch {
		case item.Outcome != nil && item.Outcome.Success:
			res.Succeeded++
			if item.Outcome.AlreadyRegistered {
				res.AlreadyRegistered++
			} else {
				res.Registered++
			}
		default:
			res.Failed++
		}
	}
	log.Info("batch verified",
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed))
	return res, nil
}
