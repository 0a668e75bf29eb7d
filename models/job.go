package models

// JobStatus is the remote job state as reported by the conversion API.
type JobStatus string

const (
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusFinished   JobStatus = "finished"
	JobStatusError      JobStatus = "error"
)

// IsTerminal reports whether no further transitions happen after this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusError
}

// Task operations used by the relay.
const (
	OperationImportUpload = "import/upload"
	OperationConvert      = "convert"
	OperationExportURL    = "export/url"
)

// Job is a snapshot of a remote job.
type Job struct {
	ID     string    `json:"id"`
	Tag    string    `json:"tag,omitempty"`
	Status JobStatus `json:"status"`
	Tasks  []Task    `json:"tasks"`
}

// Task is one step of a remote job.
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Operation string     `json:"operation"`
	Status    JobStatus  `json:"status"`
	Message   string     `json:"message,omitempty"`
	Code      string     `json:"code,omitempty"`
	Result    TaskResult `json:"result"`
}

// TaskResult holds the operation-specific payload of a task.
type TaskResult struct {
	Form  *UploadForm  `json:"form,omitempty"`
	Files []ExportFile `json:"files,omitempty"`
}

// UploadForm is the one-time upload target of an import/upload task.
type UploadForm struct {
	URL        string         `json:"url"`
	Parameters map[string]any `json:"parameters"`
}

// ExportFile is a file produced by an export task.
type ExportFile struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size,omitempty"`
}

// TaskByOperation returns the first task with the given operation.
func (j *Job) TaskByOperation(operation string) (*Task, bool) {
	for i := range j.Tasks {
		if j.Tasks[i].Operation == operation {
			return &j.Tasks[i], true
		}
	}
	return nil, false
}

// FailedTask returns the first task in error state, if any.
func (j *Job) FailedTask() (*Task, bool) {
	for i := range j.Tasks {
		if j.Tasks[i].Status == JobStatusError {
			return &j.Tasks[i], true
		}
	}
	return nil, false
}
