package models

// BatchRequest is the payload for POST /api/v1/batch/resolve.
type BatchRequest struct {
	// URLs is the list of links to resolve, each in its own session. Required.
	URLs []string `json:"urls" binding:"required,min=1,max=100,dive,required"`

	// Engine applies to every URL. Default: the server's configured engine.
	Engine string `json:"engine,omitempty" binding:"omitempty,oneof=rod http"`

	// CallbackURL receives a batch.completed event when every URL is done.
	CallbackURL string `json:"callback_url,omitempty" binding:"omitempty,url"`

	// CallbackSecret signs the webhook body with HMAC-SHA256.
	CallbackSecret string `json:"callback_secret,omitempty"`
}

// BatchResponse is the immediate response for POST /api/v1/batch/resolve.
type BatchResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Total  int          `json:"total"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// BatchStatusResponse is the response for GET /api/v1/batch/:id.
type BatchStatusResponse struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	Completed int                `json:"completed"`
	Total     int                `json:"total"`
	Results   []*ResolveResponse `json:"results,omitempty"`
}

// Batch job states.
const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchPartial    = "partial"
	BatchFailed     = "failed"
)
