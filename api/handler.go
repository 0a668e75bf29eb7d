package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"convertrelay/models"
	"convertrelay/services"
	"convertrelay/worker"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	statusOK           = "ok"
	statusError        = "error"
	statusLimitReached = "limit_reached"

	msgMissingInput = "file or target missing"
	msgLimitReached = "Daily CloudConvert limit reached"

	// multipartMemory is kept in memory while parsing; the rest spills to disk.
	multipartMemory = 32 << 20
)

// Converter runs one conversion end to end.
type Converter interface {
	Convert(ctx context.Context, req models.ConversionRequest) (models.ConversionResult, error)
}

type ConvertHandler struct {
	converter     Converter
	quota         services.QuotaStore
	maxUploadSize int64
	logger        *zap.Logger
}

func NewConvertHandler(converter Converter, quota services.QuotaStore, maxUploadSize int64, logger *zap.Logger) *ConvertHandler {
	return &ConvertHandler{
		converter:     converter,
		quota:         quota,
		maxUploadSize: maxUploadSize,
		logger:        logger.Named("convert"),
	}
}

type convertResponse struct {
	Status      string `json:"status"`
	OCRUsed     bool   `json:"ocr_used"`
	DownloadURL string `json:"download_url"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, status, message string) {
	writeJSON(w, code, errorResponse{Status: status, Message: message})
}

// Convert handles POST /convert with multipart fields "file" and "target".
func (h *ConvertHandler) Convert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	log := h.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))

	req, err := h.readRequest(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			log.Warn("upload too large", zap.Int64("limit", maxErr.Limit))
			writeError(w, http.StatusRequestEntityTooLarge, statusError, "file too large")
			return
		}
		log.Debug("rejecting request", zap.Error(err))
		writeError(w, http.StatusBadRequest, statusError, msgMissingInput)
		return
	}
	log = log.With(zap.String("conversion_id", req.RequestID))

	slot, ok, err := h.quota.TryReserve(r.Context())
	if err != nil {
		log.Error("quota check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, statusError, "quota unavailable")
		return
	}
	if !ok {
		log.Info("quota limit reached")
		writeError(w, http.StatusTooManyRequests, statusLimitReached, msgLimitReached)
		return
	}

	// An accepted conversion runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())

	res, err := h.converter.Convert(ctx, req)
	if err != nil {
		if relErr := h.quota.Release(ctx, slot); relErr != nil {
			log.Error("failed to release quota slot", zap.Error(relErr))
		}
		log.Error("conversion failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, statusError, worker.PublicMessage(err))
		return
	}

	if err := h.quota.Commit(ctx, slot); err != nil {
		log.Error("failed to commit quota slot", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("job_id", res.JobID),
		zap.Int("attempts", res.Attempts),
		zap.Bool("ocr_used", res.OCRUsed),
	}
	if used, err := h.quota.Used(ctx); err == nil {
		fields = append(fields, zap.Int("quota_used", used))
	}
	log.Info("conversion succeeded", fields...)

	writeJSON(w, http.StatusOK, convertResponse{
		Status:      statusOK,
		OCRUsed:     res.OCRUsed,
		DownloadURL: res.DownloadURL,
	})
}

var errMissingInput = errors.New(msgMissingInput)

func (h *ConvertHandler) readRequest(w http.ResponseWriter, r *http.Request) (models.ConversionRequest, error) {
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return models.ConversionRequest{}, err
		}
		return models.ConversionRequest{}, errors.Join(errMissingInput, err)
	}

	target := r.FormValue("target")
	file, header, err := r.FormFile("file")
	if err != nil {
		return models.ConversionRequest{}, errors.Join(errMissingInput, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return models.ConversionRequest{}, err
	}

	req := models.NewConversionRequest(uuid.NewString(), header.Filename, data, target)
	if req.TargetFormat == "" || len(req.FileBytes) == 0 {
		return models.ConversionRequest{}, errMissingInput
	}
	return req, nil
}
