package store

import "time"

// JobStatus enumerates UploadJob.status values, spec §3.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in-progress"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// PartStatus enumerates PartRow.status values, spec §3.
type PartStatus string

const (
	PartPending   PartStatus = "pending"
	PartUploading PartStatus = "uploading"
	PartCompleted PartStatus = "completed"
	PartFailed    PartStatus = "failed"
)

// UploadJob is one row per active or historical transfer (spec §3).
type UploadJob struct {
	UploadID    string `gorm:"primaryKey;column:upload_id"`
	FilePath    string `gorm:"column:file_path;not null"`
	FileName    string `gorm:"column:file_name;not null"`
	FileSize    int64  `gorm:"column:file_size;not null"`
	Fingerprint string `gorm:"column:fingerprint;not null"`
	Bucket      string `gorm:"column:bucket;not null"`
	ObjectKey   string `gorm:"column:object_key;not null"`
	PartSize    int64  `gorm:"column:part_size;not null"`
	TotalParts  int    `gorm:"column:total_parts;not null"`

	Status JobStatus `gorm:"column:status;not null;index:idx_job_status"`

	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

// TableName pins the table name so renaming the Go type never migrates data.
func (UploadJob) TableName() string { return "upload_jobs" }

// PartRow is one row per part of one job; composite key (upload_id, part_number).
type PartRow struct {
	UploadID   string `gorm:"primaryKey;column:upload_id;index:idx_upload_status,priority:1"`
	PartNumber int    `gorm:"primaryKey;column:part_number"`

	ByteOffset int64 `gorm:"column:byte_offset;not null"`
	ByteLength int64 `gorm:"column:byte_length;not null"`

	ETag   string     `gorm:"column:etag"`
	Status PartStatus `gorm:"column:status;not null;index:idx_upload_status,priority:2"`

	RetryCount int `gorm:"column:retry_count;not null;default:0"`

	StartedAt  *time.Time `gorm:"column:started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at"`
}

// TableName pins the table name so renaming the Go type never migrates data.
func (PartRow) TableName() string { return "part_rows" }
