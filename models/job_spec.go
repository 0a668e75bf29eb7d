package models

// Task names of the fixed three-step graph.
const (
	TaskImport  = "import-file"
	TaskConvert = "convert-file"
	TaskExport  = "export-file"
)

// OCR settings applied to the convert task when OCR mode is on.
const OCREngine = "solid"

var ocrLanguages = []string{"eng", "tur"}

// OCRLanguages returns a copy of the languages requested from the OCR engine.
func OCRLanguages() []string {
	return append([]string(nil), ocrLanguages...)
}

// OCRMode selects whether the convert task asks for OCR.
type OCRMode int

const (
	OCROff OCRMode = iota
	OCROn
)

func (m OCRMode) String() string {
	if m == OCROn {
		return "ocr"
	}
	return "plain"
}

// TaskSpec is one task of a job submission.
type TaskSpec struct {
	Operation    string   `json:"operation"`
	Input        string   `json:"input,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	Engine       string   `json:"engine,omitempty"`
	OCR          bool     `json:"ocr,omitempty"`
	OCRLanguages []string `json:"ocr_languages,omitempty"`
	Optimize     bool     `json:"optimize,omitempty"`
}

// JobSpec is the body of a create-job call: import -> convert -> export.
type JobSpec struct {
	Tasks map[string]TaskSpec `json:"tasks"`
	Tag   string              `json:"tag,omitempty"`
}

// NewJobSpec builds the task graph for converting an upload to target.
func NewJobSpec(target string, mode OCRMode, tag string) JobSpec {
	convert := TaskSpec{
		Operation:    OperationConvert,
		Input:        TaskImport,
		OutputFormat: target,
	}
	if mode == OCROn {
		convert.Engine = OCREngine
		convert.OCR = true
		convert.OCRLanguages = OCRLanguages()
		convert.Optimize = true
	}

	return JobSpec{
		Tag: tag,
		Tasks: map[string]TaskSpec{
			TaskImport:  {Operation: OperationImportUpload},
			TaskConvert: convert,
			TaskExport:  {Operation: OperationExportURL, Input: TaskConvert},
		},
	}
}

// OCREnabled reports whether the convert task requests OCR.
func (s JobSpec) OCREnabled() bool {
	return s.Tasks[TaskConvert].OCR
}
