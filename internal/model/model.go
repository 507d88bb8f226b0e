// Package model contains the records produced by the intake pipeline. They are
// shared by the repository, ingest, OCR and API packages.
package model

import (
	"time"
)

// ArchiveState describes where an uploaded archive ended up.
type ArchiveState string

const (
	ArchiveUploaded  ArchiveState = "uploaded"
	ArchiveProcessed ArchiveState = "processed"
	ArchiveError     ArchiveState = "error"
)

// FileType tags an extracted archive member.
type FileType string

const (
	FileImage FileType = "image"
	FilePDF   FileType = "pdf"
)

// Split report kinds, used in directory routing, storage keys and links.
const (
	ReportDR       = "dr"
	ReportGlaucoma = "glaucoma"
)

// Status is shared by jobs and job items.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Archive is one uploaded ZIP. ContentHash is unique across all rows.
type Archive struct {
	ID          int64        `json:"id"`
	Filename    string       `json:"filename"`
	ContentHash string       `json:"contentHash"`
	State       ArchiveState `json:"state"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Encounter is one patient capture event derived from exactly one archive.
// CaptureDate keeps the raw folder text; CaptureDateDT is nil when it could
// not be parsed.
type Encounter struct {
	ID            int64      `json:"id"`
	ArchiveID     int64      `json:"archiveId"`
	Name          string     `json:"name"`
	PatientID     string     `json:"patientId"`
	CaptureDate   string     `json:"captureDate"`
	CaptureDateDT *time.Time `json:"captureDateDt,omitempty"`
	Files         []File     `json:"files,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// File is one extracted archive member stored under an image or pdf root.
type File struct {
	ID           int64     `json:"id"`
	EncounterID  int64     `json:"encounterId"`
	UUID         string    `json:"uuid"`
	Filename     string    `json:"filename"`
	Type         FileType  `json:"type"`
	OCRProcessed bool      `json:"ocrProcessed"`
	EyeSide      *string   `json:"eyeSide,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DRReport holds the raw OCR output of a diabetic retinopathy report page.
type DRReport struct {
	ID                int64     `json:"id"`
	EncounterID       int64     `json:"encounterId"`
	UUID              string    `json:"uuid"`
	Result            string    `json:"result"`
	QualitativeResult *string   `json:"qualitativeResult,omitempty"`
	ReportFileName    *string   `json:"reportFileName,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// GlaucomaReport holds the raw OCR output of a glaucoma report page,
// including the right/left cup-to-disc ratio text.
type GlaucomaReport struct {
	ID                int64     `json:"id"`
	EncounterID       int64     `json:"encounterId"`
	UUID              string    `json:"uuid"`
	VCDRRight         *string   `json:"vcdrRight,omitempty"`
	VCDRLeft          *string   `json:"vcdrLeft,omitempty"`
	Result            string    `json:"result"`
	QualitativeResult *string   `json:"qualitativeResult,omitempty"`
	ReportFileName    *string   `json:"reportFileName,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// IngestRecord is everything committed for one successfully extracted
// archive: the archive row, its encounter and the encounter's files.
type IngestRecord struct {
	Archive   Archive
	Encounter Encounter
}

// PendingPDF pairs a pdf file that still needs OCR with its encounter.
type PendingPDF struct {
	File      File
	Encounter Encounter
}

// Uploader identifies who submitted a batch of archives.
type Uploader struct {
	UserID    string `json:"uploaderId,omitempty"`
	Username  string `json:"uploaderUsername,omitempty"`
	IP        string `json:"uploaderIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Job tracks one upload batch.
type Job struct {
	ID              int64     `json:"id"`
	Token           string    `json:"token"`
	Status          Status    `json:"status"`
	Error           *string   `json:"error,omitempty"`
	RejectedSummary *string   `json:"rejectedSummary,omitempty"`
	Uploader        Uploader  `json:"uploader"`
	Items           []JobItem `json:"items"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// JobItem tracks one archive within a job. Detail carries the human readable
// reason for rejections.
type JobItem struct {
	ID         int64      `json:"id"`
	JobID      int64      `json:"jobId"`
	Filename   string     `json:"filename"`
	State      Status     `json:"state"`
	Detail     *string    `json:"detail,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// JobSummary is a job row plus the number of failed items, used by listings.
type JobSummary struct {
	Job
	Rejected int `json:"rejected"`
}
