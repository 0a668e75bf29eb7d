package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"convertrelay/config"
	"convertrelay/models"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// uploadFileField is the form field the upload endpoint expects the file under.
const uploadFileField = "file"

// ErrMissingUploadForm means a created job carries no usable upload target.
var ErrMissingUploadForm = errors.New("import task has no upload form")

// APIError is a non-2xx answer from the conversion API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cloudconvert returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("cloudconvert returned status %d: %s", e.StatusCode, e.Message)
}

type CloudConvertService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewCloudConvertService(cfg *config.Config, logger *zap.Logger) *CloudConvertService {
	burst := int(cfg.APIRateLimit)
	if burst < 1 {
		burst = 1
	}
	return &CloudConvertService{
		baseURL: cfg.APIURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.APIRateLimit), burst),
		logger:  logger.Named("cloudconvert"),
	}
}

type jobEnvelope struct {
	Data models.Job `json:"data"`
}

// CreateJob submits spec and returns the created job with its tasks.
func (s *CloudConvertService) CreateJob(ctx context.Context, spec models.JobSpec) (*models.Job, error) {
	var out jobEnvelope
	if err := s.doJSON(ctx, http.MethodPost, s.baseURL+"/jobs", spec, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, errors.New("cloudconvert returned a job without id")
	}
	s.logger.Debug("job created",
		zap.String("job_id", out.Data.ID),
		zap.String("status", string(out.Data.Status)),
		zap.Bool("ocr", spec.OCREnabled()),
	)
	return &out.Data, nil
}

// GetJob fetches the current snapshot of a job.
func (s *CloudConvertService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var out jobEnvelope
	if err := s.doJSON(ctx, http.MethodGet, s.baseURL+"/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// FindUploadForm returns the upload target of the job's import/upload task.
func FindUploadForm(job *models.Job) (*models.UploadForm, error) {
	task, ok := job.TaskByOperation(models.OperationImportUpload)
	if !ok {
		return nil, fmt.Errorf("%w: job %s has no %s task", ErrMissingUploadForm, job.ID, models.OperationImportUpload)
	}
	form := task.Result.Form
	if form == nil || form.URL == "" {
		return nil, fmt.Errorf("%w: task %q of job %s", ErrMissingUploadForm, task.Name, job.ID)
	}
	if form.Parameters == nil {
		return nil, fmt.Errorf("%w: task %q of job %s has no form parameters", ErrMissingUploadForm, task.Name, job.ID)
	}
	return form, nil
}

// Upload posts the file to the one-time upload URL together with every
// server-provided form parameter.
func (s *CloudConvertService) Upload(ctx context.Context, form *models.UploadForm, fileName string, data []byte) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, key := range slices.Sorted(maps.Keys(form.Parameters)) {
		if err := writer.WriteField(key, formValue(form.Parameters[key])); err != nil {
			return fmt.Errorf("failed to write form field %q: %w", key, err)
		}
	}

	part, err := writer.CreateFormFile(uploadFileField, fileName)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, form.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	// The upload URL is pre-signed: no bearer token, no redirects, and no
	// client timeout beyond the caller's context.
	client := *s.client
	client.Timeout = 0
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	s.logger.Debug("uploading file",
		zap.String("file", fileName),
		zap.String("size", humanize.Bytes(uint64(len(data)))),
	)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("upload returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// formValue renders a decoded JSON parameter the way it appeared on the wire.
func formValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func (s *CloudConvertService) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloudconvert request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(bodyBytes, &payload); err == nil && payload.Message != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
	} else {
		apiErr.Message = string(bytes.TrimSpace(bodyBytes))
	}
	return apiErr
}
