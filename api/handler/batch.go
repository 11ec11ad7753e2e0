package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/use-agent/hoptrace/models"
	"github.com/use-agent/hoptrace/webhook"
)

// batchJob tracks an in-progress batch. Fields are guarded by mu.
type batchJob struct {
	mu        sync.Mutex
	id        string
	status    string
	total     int
	completed int
	failed    int
	results   []*models.ResolveResponse
	createdAt time.Time
}

func (j *batchJob) snapshot() models.BatchStatusResponse {
	j.mu.Lock()
	defer j.mu.Unlock()
	results := make([]*models.ResolveResponse, len(j.results))
	copy(results, j.results)
	return models.BatchStatusResponse{
		ID:        j.id,
		Status:    j.status,
		Completed: j.completed + j.failed,
		Total:     j.total,
		Results:   results,
	}
}

func (j *batchJob) record(idx int, resp *models.ResolveResponse) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results[idx] = resp
	if resp.Success {
		j.completed++
	} else {
		j.failed++
	}
}

func (j *batchJob) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.failed == j.total:
		j.status = models.BatchFailed
	case j.failed > 0:
		j.status = models.BatchPartial
	default:
		j.status = models.BatchCompleted
	}
}

// BatchStore holds in-flight and finished batch jobs. Jobs older than an
// hour are dropped by Sweep.
type BatchStore struct {
	jobs sync.Map
}

// NewBatchStore creates an empty store.
func NewBatchStore() *BatchStore { return &BatchStore{} }

// Sweep deletes jobs created before cutoff.
func (s *BatchStore) Sweep(cutoff time.Time) {
	s.jobs.Range(func(key, value any) bool {
		if value.(*batchJob).createdAt.Before(cutoff) {
			s.jobs.Delete(key)
		}
		return true
	})
}

// RunSweeper sweeps expired jobs every 5 minutes until ctx is done.
func (s *BatchStore) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now().Add(-1 * time.Hour))
		}
	}
}

// PostBatch returns a handler for POST /api/v1/batch/resolve. Every URL is
// resolved in its own session, at most maxConcurrent at a time.
func PostBatch(rs *Resolvers, store *BatchStore, maxConcurrent int) gin.HandlerFunc {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return func(c *gin.Context) {
		var req models.BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.BatchResponse{
				Status: models.BatchFailed,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}
		if req.Engine == "" {
			req.Engine = rs.Default()
		}
		if _, err := rs.Get(req.Engine); err != nil {
			c.JSON(http.StatusBadRequest, models.BatchResponse{
				Status: models.BatchFailed,
				Error:  asResolveError(err).ToDetail(),
			})
			return
		}

		job := &batchJob{
			id:        "batch-" + uuid.NewString(),
			status:    models.BatchProcessing,
			total:     len(req.URLs),
			results:   make([]*models.ResolveResponse, len(req.URLs)),
			createdAt: time.Now(),
		}
		store.jobs.Store(job.id, job)

		// Detached from the request: the client polls GET /batch/:id.
		go runBatch(rs, job, req, maxConcurrent)

		c.JSON(http.StatusAccepted, models.BatchResponse{
			ID:     job.id,
			Status: models.BatchProcessing,
			Total:  job.total,
		})
	}
}

// GetBatch returns a handler for GET /api/v1/batch/:id.
func GetBatch(store *BatchStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		val, ok := store.jobs.Load(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error": models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: "batch job not found",
				},
			})
			return
		}
		c.JSON(http.StatusOK, val.(*batchJob).snapshot())
	}
}

// runBatch resolves every URL with concurrency limited by a semaphore.
func runBatch(rs *Resolvers, job *batchJob, req models.BatchRequest, maxConcurrent int) {
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, rawURL := range req.URLs {
		wg.Add(1)
		go func(idx int, target string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			job.record(idx, rs.resolveOne(context.Background(), target, req.Engine))
		}(i, rawURL)
	}
	wg.Wait()
	job.finish()

	result := job.snapshot()
	slog.Info("batch job finished",
		"id", result.ID,
		"status", result.Status,
		"completed", result.Completed,
		"total", result.Total,
	)

	if req.CallbackURL != "" {
		webhook.DeliverAsync(req.CallbackURL, req.CallbackSecret,
			webhook.NewEvent(webhook.EventBatchCompleted, result))
	}
}
