package models

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const pdfMIME = "application/pdf"

// ConversionRequest is a single upload accepted by the HTTP layer.
type ConversionRequest struct {
	RequestID    string
	FileName     string
	FileBytes    []byte
	TargetFormat string
}

// NewConversionRequest normalises the target format.
func NewConversionRequest(requestID, fileName string, data []byte, target string) ConversionRequest {
	return ConversionRequest{
		RequestID:    requestID,
		FileName:     fileName,
		FileBytes:    data,
		TargetFormat: strings.ToLower(strings.TrimSpace(target)),
	}
}

// IsPDF reports whether the upload is a PDF, by extension or by content.
func (r ConversionRequest) IsPDF() bool {
	if strings.EqualFold(filepath.Ext(r.FileName), ".pdf") {
		return true
	}
	if len(r.FileBytes) == 0 {
		return false
	}
	return mimetype.Detect(r.FileBytes).Is(pdfMIME)
}

// OCRFallbackEligible is true for PDF to DOCX conversions only.
func (r ConversionRequest) OCRFallbackEligible() bool {
	return r.TargetFormat == "docx" && r.IsPDF()
}

// ConversionResult is what a finished conversion reports back to the caller.
type ConversionResult struct {
	JobID       string
	DownloadURL string
	OCRUsed     bool
	Attempts    int
}
