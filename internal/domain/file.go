package domain

import "time"

// FileStatus is the lifecycle state of a single uploaded document.
type FileStatus string

const (
	FileUploaded    FileStatus = "uploaded"
	FileClassifying FileStatus = "classifying"
	FileClassified  FileStatus = "classified"
	FileProcessing  FileStatus = "processing"
	FileProcessed   FileStatus = "processed"
	FileFailed      FileStatus = "failed"
)

// fileTransitions lists the forward edges of the file state machine.
// Every non-terminal state may additionally move to FileFailed.
var fileTransitions = map[FileStatus]FileStatus{
	FileUploaded:    FileClassifying,
	FileClassifying: FileClassified,
	FileClassified:  FileProcessing,
	FileProcessing:  FileProcessed,
}

// Valid reports whether s is a known status.
func (s FileStatus) Valid() bool {
	switch s {
	case FileUploaded, FileClassifying, FileClassified, FileProcessing, FileProcessed, FileFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is processed or failed.
func (s FileStatus) IsTerminal() bool {
	return s == FileProcessed || s == FileFailed
}

// InFlight reports whether work has been handed to an external service and
// has not yet resolved.
func (s FileStatus) InFlight() bool {
	return s == FileClassifying || s == FileClassified || s == FileProcessing
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to FileStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == FileFailed {
		return true
	}
	return fileTransitions[from] == to
}

// DocumentType is the classification label assigned to a File.
type DocumentType string

const (
	DocumentBankStatement DocumentType = "bank_statement"
	DocumentApplication   DocumentType = "application"
	DocumentOther         DocumentType = "other"
)

// Extractable reports whether an extraction service exists for the label.
func (d DocumentType) Extractable() bool {
	return d == DocumentBankStatement || d == DocumentApplication
}

// File is one uploaded document and its processing record.
type File struct {
	ID           string `json:"file_id"`
	SubmissionID string `json:"submission_id"`
	TenantID     string `json:"tenant_id"`

	Name        string `json:"name"`
	StoragePath string `json:"storage_path"`
	SizeBytes   int64  `json:"size_bytes"`
	MimeType    string `json:"mime_type"`

	DocumentType DocumentType `json:"document_type,omitempty"`
	Confidence   *float64     `json:"confidence,omitempty"`
	JobHandle    string       `json:"job_handle,omitempty"`

	Status    FileStatus `json:"status"`
	ErrorText string     `json:"error_text,omitempty"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}
