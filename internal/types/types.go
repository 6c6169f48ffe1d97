// Package types defines core data types and enums for the arXiv translation service.
package types

import "time"

// JobStatus 任务状态枚举
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// StepStatus 步骤状态枚举
type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepError   StepStatus = "error"
)

// Segment is a maximal contiguous span of a source file with a uniform
// translate/protect classification. Concatenating the Text of all segments of
// a file reproduces the file exactly.
type Segment struct {
	Text         string `json:"text"`
	Translatable bool   `json:"translatable"`
	StartLine    int    `json:"start_line"`
	EndLine      int    `json:"end_line"`
}

// SegmentState is the mutable translation record for one segment. Current
// starts equal to Original; a guarded translation replaces it and a repair
// reverts it.
type SegmentState struct {
	Original     string `json:"original"`
	Current      string `json:"current"`
	Translatable bool   `json:"translatable"`
	StartLine    int    `json:"start_line"`
	EndLine      int    `json:"end_line"`
}

// FileState tracks the translation state of one .tex file inside a job's
// working tree.
type FileState struct {
	RelPath          string          `json:"rel_path"`
	Segments         []*SegmentState `json:"segments"`
	RepairedSegments int             `json:"repaired_segments"`
}

// Step is an append-only progress log entry. Steps are never edited after
// being appended to a job.
type Step struct {
	StepID    string     `json:"step_id"`
	Key       string     `json:"key"`
	Status    StepStatus `json:"status"`
	Message   string     `json:"message"`
	At        string     `json:"at"`
	ElapsedMS int64      `json:"elapsed_ms,omitempty"`
}

// Artifact describes one output file produced by a successful job.
type Artifact struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
}

// JobSnapshot is the externally visible view of a job. It is safe to hand out
// because it shares no mutable state with the running job.
type JobSnapshot struct {
	JobID       string         `json:"job_id"`
	Status      JobStatus      `json:"status"`
	InputText   string         `json:"input_text"`
	PaperID     string         `json:"paper_id,omitempty"`
	CanonicalID string         `json:"canonical_id,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	Error       string         `json:"error,omitempty"`
	Steps       []Step         `json:"steps"`
	Artifacts   []Artifact     `json:"artifacts"`
	Meta        map[string]any `json:"meta"`
}

// CompileResult is the first-class output of one compile attempt.
type CompileResult struct {
	Compiler         string      `json:"compiler"`
	PDFPath          string      `json:"pdf_path"`
	PDFExists        bool        `json:"pdf_exists"`
	CompileOK        bool        `json:"compile_ok"`
	HasEmergencyStop bool        `json:"has_emergency_stop"`
	LogPath          string      `json:"log_path"`
	ReturnCodes      []int       `json:"return_codes"`
	TimedOut         bool        `json:"timed_out"`
	FirstError       *LatexError `json:"first_error,omitempty"`
}

// LatexError is the first machine-parseable error found in a compile log.
type LatexError struct {
	File    string `json:"file"`
	FileRel string `json:"file_rel"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// NowISO returns the current UTC time in RFC 3339 format, the timestamp
// format used across job records.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ErrorCode 错误代码枚举
type ErrorCode string

const (
	ErrNetwork      ErrorCode = "NETWORK_ERROR"
	ErrDownload     ErrorCode = "DOWNLOAD_ERROR"
	ErrExtract      ErrorCode = "EXTRACT_ERROR"
	ErrFileNotFound ErrorCode = "FILE_NOT_FOUND"
	ErrInvalidInput ErrorCode = "INVALID_INPUT"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrAPICall      ErrorCode = "API_CALL_ERROR"
	ErrCompile      ErrorCode = "COMPILE_ERROR"
	ErrConfig       ErrorCode = "CONFIG_ERROR"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrTranslation  ErrorCode = "TRANSLATION_ERROR"
	ErrCancelled    ErrorCode = "CANCELLED"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface for AppError
func (e *AppError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Unwrap returns the underlying cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new AppError with the given code, message, and optional cause
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewAppErrorWithDetails creates a new AppError with details
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// CodeOf returns the ErrorCode carried by err, or ErrInternal when err is not
// an AppError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
