package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
)

// Request is the file reference handed to an external service.
type Request struct {
	FileID       string              `json:"file_id"`
	SubmissionID string              `json:"submission_id"`
	TenantID     string              `json:"tenant_id"`
	DocumentType domain.DocumentType `json:"document_type,omitempty"`
	StoragePath  string              `json:"storage_path"`
	SourceURI    string              `json:"source_uri,omitempty"`
	MimeType     string              `json:"mime_type"`
	CallbackURL  string              `json:"callback_url,omitempty"`
}

// Classification is a document-type label with the classifier's confidence.
type Classification struct {
	DocumentType domain.DocumentType `json:"document_type"`
	Confidence   float64             `json:"confidence"`
}

// Ack is a service's acknowledgement that it accepted a job. Classification
// is set by classifiers that answer synchronously.
type Ack struct {
	JobHandle      string
	Classification *Classification
}

// Classifier assigns document-type labels.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Ack, error)
}

// Extractor starts structured extraction for a classified File.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Ack, error)
}

// HTTPService posts file references to an asynchronous HTTP service and
// returns once the job is accepted. Results arrive later on a webhook.
type HTTPService struct {
	client *http.Client
	token  string
}

// NewHTTPService creates a service client with the given per-request timeout.
func NewHTTPService(token string, timeout time.Duration) *HTTPService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPService{
		client: &http.Client{Timeout: timeout},
		token:  token,
	}
}

type acceptedResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// post sends req to url. Network failures, timeouts, 408, 429 and 5xx are
// transient; any other non-2xx status means the service rejected the job.
func (s *HTTPService) post(ctx context.Context, url string, req Request) (Ack, error) {
	if url == "" {
		return Ack{}, apperrors.Validationf("no service endpoint configured for %s", req.DocumentType)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Ack{}, fmt.Errorf("post: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("post: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Ack{}, apperrors.Transient("post: reach service", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Ack{}, apperrors.Transient(
			fmt.Sprintf("post: service returned %d", resp.StatusCode),
			fmt.Errorf("%s", bytes.TrimSpace(raw)),
		)
	default:
		return Ack{}, apperrors.Validationf("service rejected job with %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var accepted acceptedResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &accepted); err != nil {
			return Ack{}, fmt.Errorf("post: decode response: %w", err)
		}
	}
	return Ack{JobHandle: accepted.JobID}, nil
}

// HTTPClassifier classifies through an asynchronous HTTP classifier.
type HTTPClassifier struct {
	svc *HTTPService
	url string
}

func NewHTTPClassifier(svc *HTTPService, url string) *HTTPClassifier {
	return &HTTPClassifier{svc: svc, url: url}
}

func (c *HTTPClassifier) Classify(ctx context.Context, req Request) (Ack, error) {
	return c.svc.post(ctx, c.url, req)
}

// HTTPExtractor routes each File to the extraction service for its label.
type HTTPExtractor struct {
	svc  *HTTPService
	urls map[domain.DocumentType]string
}

func NewHTTPExtractor(svc *HTTPService, statementURL, applicationURL string) *HTTPExtractor {
	return &HTTPExtractor{
		svc: svc,
		urls: map[domain.DocumentType]string{
			domain.DocumentBankStatement: statementURL,
			domain.DocumentApplication:   applicationURL,
		},
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, req Request) (Ack, error) {
	if !req.DocumentType.Extractable() {
		return Ack{}, apperrors.Validationf("no extraction service for document type %q", req.DocumentType)
	}
	return e.svc.post(ctx, e.urls[req.DocumentType], req)
}

var (
	_ Classifier = (*HTTPClassifier)(nil)
	_ Extractor  = (*HTTPExtractor)(nil)
)
