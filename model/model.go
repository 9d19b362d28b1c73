// Package model defines the persistent data model of the lexflow pipeline:
// documents, chunks, entity mentions, canonical entities, staged
// relationships, processing tasks, and OCR job records, together with the
// stage and status enumerations shared by every component.
package model

import (
	"time"

	"gorm.io/gorm"
)

// Stage identifies one of the six ordered pipeline stages.
type Stage string

const (
	StageOCR           Stage = "ocr"
	StageChunking      Stage = "chunking"
	StageExtraction    Stage = "entity_extraction"
	StageResolution    Stage = "entity_resolution"
	StageRelationships Stage = "relationship_building"
	StageFinalization  Stage = "finalization"
)

// Stages lists all stages in execution order.
var Stages = []Stage{
	StageOCR,
	StageChunking,
	StageExtraction,
	StageResolution,
	StageRelationships,
	StageFinalization,
}

// Index returns the 0-based position of the stage, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the following stage and true, or "" and false for the last
// stage and for unknown stages.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(Stages)-1 {
		return "", false
	}
	return Stages[i+1], true
}

// DocumentStatus is the overall lifecycle status of a document.
type DocumentStatus string

const (
	DocStatusPending    DocumentStatus = "pending"
	DocStatusProcessing DocumentStatus = "processing"
	DocStatusCompleted  DocumentStatus = "completed"
	DocStatusFailed     DocumentStatus = "failed"
	DocStatusCancelled  DocumentStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s DocumentStatus) Terminal() bool {
	return s == DocStatusCompleted || s == DocStatusFailed || s == DocStatusCancelled
}

// TaskStatus is the lifecycle status of one stage attempt.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Priority orders batch processing.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// EntityType enumerates the mention types that survive extraction.
type EntityType string

const (
	EntityPerson EntityType = "PERSON"
	EntityOrg    EntityType = "ORG"
	EntityLoc    EntityType = "LOC"
	EntityDate   EntityType = "DATE"
	EntityMoney  EntityType = "MONEY"
	EntityOther  EntityType = "OTHER"
)

// KnownEntityTypes is the default whitelist applied by the extractor.
var KnownEntityTypes = []EntityType{
	EntityPerson, EntityOrg, EntityLoc, EntityDate, EntityMoney,
}

// SourceDocument is the unit of processing.
type SourceDocument struct {
	DocumentUUID string `gorm:"primaryKey;size:36"`
	ProjectUUID  string `gorm:"size:36;index"`
	BlobLocation string
	FileName     string
	ContentHash  string `gorm:"size:64"`
	SizeBytes    int64
	MimeType     string
	Metadata     string `gorm:"type:text"` // JSON bag

	Status       DocumentStatus `gorm:"size:16;index"`
	CurrentStage Stage          `gorm:"size:32"`
	RawText      string         `gorm:"type:text"`
	OcrJobID     string         `gorm:"size:128"`
	ErrorMessage string

	PageCount   int
	ChunkCount  int
	EntityCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SourceDocument) TableName() string { return "source_documents" }

// DocumentChunk is an immutable text window of a document. Chunk indices are
// dense and strictly increasing per document.
type DocumentChunk struct {
	ChunkUUID    string `gorm:"primaryKey;size:36"`
	DocumentUUID string `gorm:"size:36;index;uniqueIndex:uq_doc_chunk_index,priority:1"`
	ChunkIndex   int    `gorm:"uniqueIndex:uq_doc_chunk_index,priority:2"`
	Text         string `gorm:"type:text"`
	CharStart    int
	CharEnd      int
	PageStart    int
	PageEnd      int
	Metadata     string `gorm:"type:text"` // JSON bag

	CreatedAt time.Time
}

func (DocumentChunk) TableName() string { return "document_chunks" }

// EntityMention is one occurrence of an entity within a chunk.
type EntityMention struct {
	MentionUUID  string `gorm:"primaryKey;size:36"`
	DocumentUUID string `gorm:"size:36;index"`
	ChunkUUID    string `gorm:"size:36;index"`
	ChunkIndex   int

	Text        string
	Type        EntityType `gorm:"size:16"`
	Confidence  float64
	StartOffset int
	EndOffset   int

	CanonicalEntityUUID string `gorm:"size:36;index"`
	UnresolvedReason    string
	ExtractionMethod    string `gorm:"size:16"` // "llm" or "local"

	CreatedAt time.Time
}

func (EntityMention) TableName() string { return "entity_mentions" }

// CanonicalEntity is the deduplicated representative of a mention cluster
// within a document-resolution scope.
type CanonicalEntity struct {
	CanonicalUUID string `gorm:"primaryKey;size:36"`
	DocumentUUID  string `gorm:"size:36;index"`

	Type          EntityType `gorm:"size:16"`
	CanonicalName string
	Aliases       string `gorm:"type:text"` // JSON list
	MentionCount  int
	Confidence    float64

	CreatedAt time.Time
}

func (CanonicalEntity) TableName() string { return "canonical_entities" }

// StagedRelationship is a directed typed edge between two canonical
// entities, staged for external graph load.
type StagedRelationship struct {
	RelationshipUUID string `gorm:"primaryKey;size:36"`
	DocumentUUID     string `gorm:"size:36;index;uniqueIndex:uq_doc_edge,priority:1"`
	FromEntityUUID   string `gorm:"size:36;uniqueIndex:uq_doc_edge,priority:2"`
	ToEntityUUID     string `gorm:"size:36;uniqueIndex:uq_doc_edge,priority:3"`
	Type             string `gorm:"size:64;uniqueIndex:uq_doc_edge,priority:4"`
	Confidence       float64

	EvidenceChunkUUID string `gorm:"size:36"`
	EvidenceText      string `gorm:"type:text"`

	CreatedAt time.Time
}

func (StagedRelationship) TableName() string { return "relationship_staging" }

// ProcessingTask records one attempt of one stage on one document. The
// document_id column holds the document UUID.
type ProcessingTask struct {
	ID           uint   `gorm:"primaryKey"`
	TaskID       string `gorm:"size:36;uniqueIndex"`
	DocumentID   string `gorm:"size:36;index"`
	TaskType     Stage  `gorm:"size:32"`
	Status       TaskStatus
	RetryCount   int
	ErrorMessage string

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ProcessingTask) TableName() string { return "processing_tasks" }

// OcrJobStatus is the provider-side status of an async OCR job.
type OcrJobStatus string

const (
	OcrJobInProgress OcrJobStatus = "in_progress"
	OcrJobCompleted  OcrJobStatus = "completed"
	OcrJobFailed     OcrJobStatus = "failed"
)

// OcrJob is the metadata row for an outstanding async OCR job.
type OcrJob struct {
	gorm.Model
	JobID        string `gorm:"size:128;uniqueIndex"`
	DocumentUUID string `gorm:"size:36;index"`
	Status       OcrJobStatus
	PageCount    int
	ErrorMessage string
	ResultRef    string
	SubmittedAt  time.Time
}

func (OcrJob) TableName() string { return "textract_jobs" }

// AllTables lists every model for migration.
func AllTables() []interface{} {
	return []interface{}{
		&SourceDocument{},
		&DocumentChunk{},
		&EntityMention{},
		&CanonicalEntity{},
		&StagedRelationship{},
		&ProcessingTask{},
		&OcrJob{},
	}
}
