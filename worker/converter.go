package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convertrelay/config"
	"convertrelay/models"
	"convertrelay/services"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Failure kinds of a conversion. Every error returned by Converter.Convert
// wraps exactly one of them.
var (
	ErrSubmit    = errors.New("failed to submit conversion job")
	ErrUpload    = errors.New("failed to upload file")
	ErrPoll      = errors.New("failed to check conversion status")
	ErrJobFailed = errors.New("conversion failed")
	ErrTimeout   = errors.New("conversion timed out")
	ErrNoResult  = errors.New("conversion finished without a download url")
)

var errorKinds = []error{ErrTimeout, ErrJobFailed, ErrSubmit, ErrUpload, ErrPoll, ErrNoResult}

// PublicMessage returns the caller-facing message for err without any
// remote API details.
func PublicMessage(err error) string {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "conversion failed"
}

// ConversionAPI is the remote job API the converter drives.
type ConversionAPI interface {
	CreateJob(ctx context.Context, spec models.JobSpec) (*models.Job, error)
	Upload(ctx context.Context, form *models.UploadForm, fileName string, data []byte) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
}

type Converter struct {
	api             ConversionAPI
	pollInterval    time.Duration
	maxPollAttempts int
	timeout         time.Duration
	logger          *zap.Logger
}

func NewConverter(cfg *config.Config, api ConversionAPI, logger *zap.Logger) *Converter {
	return &Converter{
		api:             api,
		pollInterval:    cfg.PollInterval,
		maxPollAttempts: cfg.PollMaxAttempts,
		timeout:         cfg.ConversionTimeout,
		logger:          logger.Named("converter"),
	}
}

// attemptPlan lists the OCR mode of every job a request may create: one
// plain attempt, plus one OCR attempt for PDF to DOCX.
func attemptPlan(req models.ConversionRequest) []models.OCRMode {
	if req.OCRFallbackEligible() {
		return []models.OCRMode{models.OCROff, models.OCROn}
	}
	return []models.OCRMode{models.OCROff}
}

// Convert runs submit, upload and poll for each planned attempt. Only a
// remote "error" status moves on to the next attempt; any other failure
// aborts the request.
func (c *Converter) Convert(ctx context.Context, req models.ConversionRequest) (models.ConversionResult, error) {
	plan := attemptPlan(req)
	var lastErr error

	for i, mode := range plan {
		log := c.logger.With(
			zap.String("request_id", req.RequestID),
			zap.Int("attempt", i+1),
			zap.Stringer("mode", mode),
		)

		job, err := c.runAttempt(ctx, req, mode, log)
		if err == nil {
			downloadURL, err := exportURL(job)
			if err != nil {
				return models.ConversionResult{}, err
			}
			log.Info("conversion finished", zap.String("job_id", job.ID))
			return models.ConversionResult{
				JobID:       job.ID,
				DownloadURL: downloadURL,
				OCRUsed:     mode == models.OCROn,
				Attempts:    i + 1,
			}, nil
		}

		lastErr = err
		if !errors.Is(err, ErrJobFailed) || i == len(plan)-1 {
			break
		}
		log.Warn("conversion failed, retrying with OCR", zap.Error(err))
	}

	return models.ConversionResult{}, lastErr
}

func (c *Converter) runAttempt(ctx context.Context, req models.ConversionRequest, mode models.OCRMode, log *zap.Logger) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	log.Info("submitting conversion",
		zap.String("file", req.FileName),
		zap.String("size", humanize.Bytes(uint64(len(req.FileBytes)))),
		zap.String("target", req.TargetFormat),
	)

	job, err := c.api.CreateJob(ctx, models.NewJobSpec(req.TargetFormat, mode, req.RequestID))
	if err != nil {
		return nil, classify(ctx, ErrSubmit, err)
	}
	log = log.With(zap.String("job_id", job.ID))

	form, err := services.FindUploadForm(job)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if err := c.api.Upload(ctx, form, req.FileName, req.FileBytes); err != nil {
		return nil, classify(ctx, ErrUpload, err)
	}
	log.Debug("file uploaded")

	job, err = c.waitForJob(ctx, job.ID)
	if err != nil {
		log.Warn("job did not finish", zap.Error(err), zap.Duration("elapsed", time.Since(startTime)))
		return nil, err
	}
	log.Debug("job finished", zap.Duration("elapsed", time.Since(startTime)))
	return job, nil
}

// waitForJob polls until the job reaches a terminal status, the attempt
// budget runs out or ctx expires.
func (c *Converter) waitForJob(ctx context.Context, jobID string) (*models.Job, error) {
	var last models.JobStatus
	for poll := 1; poll <= c.maxPollAttempts; poll++ {
		job, err := c.api.GetJob(ctx, jobID)
		if err != nil {
			return nil, classify(ctx, ErrPoll, err)
		}

		if job.Status.IsTerminal() {
			if job.Status == models.JobStatusError {
				return nil, fmt.Errorf("%w: job %s: %s", ErrJobFailed, jobID, failureReason(job))
			}
			return job, nil
		}
		last = job.Status

		if poll == c.maxPollAttempts {
			break
		}
		if err := sleep(ctx, c.pollInterval); err != nil {
			return nil, classify(ctx, ErrPoll, err)
		}
	}
	return nil, fmt.Errorf("%w: job %s still %q after %d polls", ErrTimeout, jobID, last, c.maxPollAttempts)
}

func exportURL(job *models.Job) (string, error) {
	task, ok := job.TaskByOperation(models.OperationExportURL)
	if !ok {
		return "", fmt.Errorf("%w: job %s has no %s task", ErrNoResult, job.ID, models.OperationExportURL)
	}
	if len(task.Result.Files) == 0 || task.Result.Files[0].URL == "" {
		return "", fmt.Errorf("%w: job %s exported no files", ErrNoResult, job.ID)
	}
	return task.Result.Files[0].URL, nil
}

func failureReason(job *models.Job) string {
	if task, ok := job.FailedTask(); ok && task.Message != "" {
		if task.Code != "" {
			return fmt.Sprintf("task %s: %s (%s)", task.Name, task.Message, task.Code)
		}
		return fmt.Sprintf("task %s: %s", task.Name, task.Message)
	}
	return "remote job reported error"
}

// classify wraps err with kind, or with ErrTimeout when the attempt's
// deadline is what stopped it.
func classify(ctx context.Context, kind, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
