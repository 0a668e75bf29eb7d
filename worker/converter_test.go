package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"convertrelay/config"
	"convertrelay/models"
	"convertrelay/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")

// fakeAPI simulates the remote job API. Each created job walks through
// pollsUntilDone "processing" snapshots before reporting its final status.
type fakeAPI struct {
	mu sync.Mutex

	// finalStatus returns the terminal status for the n-th created job (1-based).
	finalStatus    func(n int, spec models.JobSpec) models.JobStatus
	pollsUntilDone int
	createErr      error
	uploadErr      error
	pollErr        error
	noUploadForm   bool

	specs   []models.JobSpec
	uploads []string
	polls   map[string]int
	final   map[string]models.JobStatus
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		finalStatus: func(int, models.JobSpec) models.JobStatus { return models.JobStatusFinished },
		polls:       map[string]int{},
		final:       map[string]models.JobStatus{},
	}
}

func exportURLFor(jobID string) string {
	return "https://storage.invalid/" + jobID + "/output"
}

func (f *fakeAPI) CreateJob(_ context.Context, spec models.JobSpec) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}
	f.specs = append(f.specs, spec)
	n := len(f.specs)
	id := fmt.Sprintf("job-%d", n)
	f.final[id] = f.finalStatus(n, spec)

	importTask := models.Task{Name: models.TaskImport, Operation: models.OperationImportUpload}
	if !f.noUploadForm {
		importTask.Result.Form = &models.UploadForm{
			URL:        "https://upload.invalid/" + id,
			Parameters: map[string]any{"signature": id},
		}
	}
	return &models.Job{ID: id, Status: models.JobStatusWaiting, Tasks: []models.Task{importTask}}, nil
}

func (f *fakeAPI) Upload(_ context.Context, form *models.UploadForm, fileName string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads = append(f.uploads, form.URL+"#"+fileName)
	return nil
}

func (f *fakeAPI) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pollErr != nil {
		return nil, f.pollErr
	}
	f.polls[jobID]++
	if f.polls[jobID] <= f.pollsUntilDone {
		return &models.Job{ID: jobID, Status: models.JobStatusProcessing}, nil
	}

	switch f.final[jobID] {
	case models.JobStatusFinished:
		return &models.Job{ID: jobID, Status: models.JobStatusFinished, Tasks: []models.Task{
			{Name: models.TaskImport, Operation: models.OperationImportUpload, Status: models.JobStatusFinished},
			{Name: models.TaskExport, Operation: models.OperationExportURL, Status: models.JobStatusFinished,
				Result: models.TaskResult{Files: []models.ExportFile{{Filename: "out", URL: exportURLFor(jobID)}}}},
		}}, nil
	case models.JobStatusError:
		return &models.Job{ID: jobID, Status: models.JobStatusError, Tasks: []models.Task{
			{Name: models.TaskConvert, Operation: models.OperationConvert, Status: models.JobStatusError,
				Code: "CONVERSION_FAILED", Message: "unsupported layout"},
		}}, nil
	default:
		return &models.Job{ID: jobID, Status: f.final[jobID]}, nil
	}
}

func newTestConverter(t *testing.T, api ConversionAPI) *Converter {
	t.Helper()
	return NewConverter(&config.Config{
		PollInterval:      time.Millisecond,
		PollMaxAttempts:   20,
		ConversionTimeout: 5 * time.Second,
	}, api, zaptest.NewLogger(t))
}

func TestConvert_ReturnsExportURL(t *testing.T) {
	api := newFakeAPI()
	api.pollsUntilDone = 3
	conv := newTestConverter(t, api)

	res, err := conv.Convert(context.Background(), models.NewConversionRequest("req-1", "slides.pptx", []byte("PK"), "PDF"))
	require.NoError(t, err)

	assert.Equal(t, exportURLFor("job-1"), res.DownloadURL)
	assert.Equal(t, "job-1", res.JobID)
	assert.False(t, res.OCRUsed)
	assert.Equal(t, 1, res.Attempts)

	require.Len(t, api.specs, 1)
	assert.Equal(t, "pdf", api.specs[0].Tasks[models.TaskConvert].OutputFormat)
	assert.Equal(t, "req-1", api.specs[0].Tag)
	assert.Equal(t, []string{"https://upload.invalid/job-1#slides.pptx"}, api.uploads)
	assert.Equal(t, 4, api.polls["job-1"])
}

func TestConvert_IndependentJobsPerRequest(t *testing.T) {
	api := newFakeAPI()
	conv := newTestConverter(t, api)
	req := models.NewConversionRequest("req", "a.txt", []byte("hello"), "pdf")

	first, err := conv.Convert(context.Background(), req)
	require.NoError(t, err)
	second, err := conv.Convert(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Len(t, api.specs, 2)
}

func TestConvert_PDFToDOCXFallsBackToOCR(t *testing.T) {
	api := newFakeAPI()
	api.finalStatus = func(n int, _ models.JobSpec) models.JobStatus {
		if n == 1 {
			return models.JobStatusError
		}
		return models.JobStatusFinished
	}
	conv := newTestConverter(t, api)

	res, err := conv.Convert(context.Background(), models.NewConversionRequest("req", "scan.pdf", pdfBytes, "docx"))
	require.NoError(t, err)

	require.Len(t, api.specs, 2)
	assert.False(t, api.specs[0].OCREnabled())
	assert.True(t, api.specs[1].OCREnabled())
	assert.True(t, res.OCRUsed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, exportURLFor("job-2"), res.DownloadURL)
	assert.Len(t, api.uploads, 2, "the retry must upload the file to its own job")
}

func TestConvert_FallbackFailsAfterSecondError(t *testing.T) {
	api := newFakeAPI()
	api.finalStatus = func(int, models.JobSpec) models.JobStatus { return models.JobStatusError }
	conv := newTestConverter(t, api)

	_, err := conv.Convert(context.Background(), models.NewConversionRequest("req", "scan.pdf", pdfBytes, "docx"))
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "unsupported layout")
	assert.Len(t, api.specs, 2, "exactly one retry")
	assert.Equal(t, ErrJobFailed.Error(), PublicMessage(err))
}

func TestConvert_NoFallbackForOtherConversions(t *testing.T) {
	cases := []struct {
		name   string
		file   string
		data   []byte
		target string
	}{
		{"pdf to png", "scan.pdf", pdfBytes, "png"},
		{"docx to docx", "letter.docx", []byte("PK\x03\x04"), "docx"},
		{"image to docx", "photo.jpg", []byte{0xFF, 0xD8, 0xFF}, "docx"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeAPI()
			api.finalStatus = func(int, models.JobSpec) models.JobStatus { return models.JobStatusError }
			conv := newTestConverter(t, api)

			_, err := conv.Convert(context.Background(), models.NewConversionRequest("req", tc.file, tc.data, tc.target))
			require.ErrorIs(t, err, ErrJobFailed)
			require.Len(t, api.specs, 1)
			assert.False(t, api.specs[0].OCREnabled())
		})
	}
}

func TestConvert_TransportFailuresAreNotRetried(t *testing.T) {
	boom := errors.New("connection reset by peer")

	cases := []struct {
		name  string
		setup func(*fakeAPI)
		kind  error
	}{
		{"submit", func(f *fakeAPI) { f.createErr = boom }, ErrSubmit},
		{"upload", func(f *fakeAPI) { f.uploadErr = boom }, ErrUpload},
		{"poll", func(f *fakeAPI) { f.pollErr = boom }, ErrPoll},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeAPI()
			tc.setup(api)
			conv := newTestConverter(t, api)

			_, err := conv.Convert(context.Background(), models.NewConversionRequest("req", "scan.pdf", pdfBytes, "docx"))
			require.ErrorIs(t, err, tc.kind)
			assert.ErrorIs(t, err, boom)
			assert.LessOrEqual(t, len(api.specs), 1)
			assert.Equal(t, tc.kind.Error(), PublicMessage(err))
			assert.NotContains(t, PublicMessage(err), "connection reset")
		})
	}
}

func TestConvert_MissingUploadFormFailsFast(t *testing.T) {
	api := newFakeAPI()
	api.noUploadForm = true
	conv := newTestConverter(t, api)

	_, err := conv.Convert(context.Background(), models.NewConversionRequest("req", "a.txt", []byte("x"), "pdf"))
	require.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, services.ErrMissingUploadForm)
	assert.Empty(t, api.uploads)
}

func TestConvert_PollingIsBounded(t *testing.T) {
	api := newFakeAPI()
	api.finalStatus = func(int, models.JobSpec) models.JobStatus { return models.JobStatusProcessing }
	conv := newTestConverter(t, api)
	conv.maxPollAttempts = 5

	_, err := conv.Convert(context.Background(), models.NewConversionRequest("req", "scan.pdf", pdfBytes, "docx"))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 5, api.polls["job-1"])
	assert.Len(t, api.specs, 1, "timeouts are not fallback-eligible")
	assert.Equal(t, ErrTimeout.Error(), PublicMessage(err))
}

func TestConvert_DeadlineEndsPolling(t *testing.T) {
	api := newFakeAPI()
	api.finalStatus = func(int, models.JobSpec) models.JobStatus { return models.JobStatusWaiting }
	conv := newTestConverter(t, api)
	conv.maxPollAttempts = 1 << 20
	conv.pollInterval = 10 * time.Millisecond
	conv.timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := conv.Convert(context.Background(), models.NewConversionRequest("req", "a.txt", []byte("x"), "pdf"))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConvert_FinishedWithoutExportIsAnError(t *testing.T) {
	conv := newTestConverter(t, &finishedWithoutFiles{fakeAPI: newFakeAPI()})

	_, err := conv.Convert(context.Background(), models.NewConversionRequest("req", "a.txt", []byte("x"), "pdf"))
	require.ErrorIs(t, err, ErrNoResult)
}

// finishedWithoutFiles reports every job as finished with no export task.
type finishedWithoutFiles struct{ *fakeAPI }

func (f *finishedWithoutFiles) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	return &models.Job{ID: jobID, Status: models.JobStatusFinished}, nil
}

func TestPublicMessage_UnknownError(t *testing.T) {
	assert.Equal(t, "conversion failed", PublicMessage(errors.New("whatever")))
}
