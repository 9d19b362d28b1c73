// Package db implements the relational persistent store for the lexflow
// pipeline on PostgreSQL via gorm. Stage outputs are written with
// replace-style, per-document transactions so that re-running a stage is
// idempotent.
package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/model"
)

// Store is the persistent store handle.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL and tunes the connection pool.
func Open(cfg config.PostgresConfig) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Store{db: db}, nil
}

// NewFromGorm wraps an existing gorm handle. Used by tests.
func NewFromGorm(db *gorm.DB) *Store { return &Store{db: db} }

// Migrate creates or updates all pipeline tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(model.AllTables()...)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Documents

// CreateDocument inserts a document row if absent. Idempotent on the
// document UUID: re-submission of a known document is a no-op and returns
// the existing row.
func (s *Store) CreateDocument(ctx context.Context, doc *model.SourceDocument) (*model.SourceDocument, error) {
	existing := &model.SourceDocument{}
	err := s.db.WithContext(ctx).
		Where("document_uuid = ?", doc.DocumentUUID).
		First(existing).Error
	if err == nil {
		return existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to look up document: %w", err)
	}

	if doc.Status == "" {
		doc.Status = model.DocStatusPending
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return doc, nil
}

// GetDocument fetches a document by UUID.
func (s *Store) GetDocument(ctx context.Context, docUUID string) (*model.SourceDocument, error) {
	doc := &model.SourceDocument{}
	if err := s.db.WithContext(ctx).
		Where("document_uuid = ?", docUUID).
		First(doc).Error; err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", docUUID, err)
	}
	return doc, nil
}

// UpdateDocumentStatus sets status and current stage.
func (s *Store) UpdateDocumentStatus(ctx context.Context, docUUID string, status model.DocumentStatus, stage model.Stage) error {
	res := s.db.WithContext(ctx).Model(&model.SourceDocument{}).
		Where("document_uuid = ?", docUUID).
		Updates(map[string]interface{}{"status": status, "current_stage": stage})
	if res.Error != nil {
		return fmt.Errorf("failed to update document status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document not found: %s", docUUID)
	}
	return nil
}

// SetDocumentError records a failure on the document row.
func (s *Store) SetDocumentError(ctx context.Context, docUUID, errMsg string) error {
	return s.db.WithContext(ctx).Model(&model.SourceDocument{}).
		Where("document_uuid = ?", docUUID).
		Updates(map[string]interface{}{
			"status":        model.DocStatusFailed,
			"error_message": errMsg,
		}).Error
}

// SetDocumentText stores the concatenated OCR text and page count.
func (s *Store) SetDocumentText(ctx context.Context, docUUID, text string, pages int) error {
	return s.db.WithContext(ctx).Model(&model.SourceDocument{}).
		Where("document_uuid = ?", docUUID).
		Updates(map[string]interface{}{"raw_text": text, "page_count": pages}).Error
}

// SetDocumentOCRJob records the provider job handle on the document row.
func (s *Store) SetDocumentOCRJob(ctx context.Context, docUUID, jobID string) error {
	return s.db.WithContext(ctx).Model(&model.SourceDocument{}).
		Where("document_uuid = ?", docUUID).
		Update("ocr_job_id", jobID).Error
}

// SetDocumentEntityCount settles the entity counter at finalization.
func (s *Store) SetDocumentEntityCount(ctx context.Context, docUUID string, n int) error {
	return s.db.WithContext(ctx).Model(&model.SourceDocument{}).
		Where("document_uuid = ?", docUUID).
		Update("entity_count", n).Error
}

// ListDocuments fetches multiple documents by UUID.
func (s *Store) ListDocuments(ctx context.Context, docUUIDs []string) ([]model.SourceDocument, error) {
	var docs []model.SourceDocument
	if err := s.db.WithContext(ctx).
		Where("document_uuid IN ?", docUUIDs).
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// Chunks

// ReplaceChunks atomically replaces the chunk set of a document and updates
// its chunk counter. Replace semantics make chunking idempotent: a re-run
// with byte-identical output leaves the table unchanged in content.
func (s *Store) ReplaceChunks(ctx context.Context, docUUID string, chunks []model.DocumentChunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_uuid = ?", docUUID).
			Delete(&model.DocumentChunk{}).Error; err != nil {
			return err
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 200).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.SourceDocument{}).
			Where("document_uuid = ?", docUUID).
			Update("chunk_count", len(chunks)).Error
	})
}

// GetChunks returns a document's chunks in chunk index order.
func (s *Store) GetChunks(ctx context.Context, docUUID string) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	if err := s.db.WithContext(ctx).
		Where("document_uuid = ?", docUUID).
		Order("chunk_index").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	return chunks, nil
}

// CountChunks returns the number of chunks persisted for a document.
func (s *Store) CountChunks(ctx context.Context, docUUID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.DocumentChunk{}).
		Where("document_uuid = ?", docUUID).Count(&n).Error
	return n, err
}

// Mentions

// ReplaceMentions atomically replaces a document's mentions and updates its
// entity counter.
func (s *Store) ReplaceMentions(ctx context.Context, docUUID string, mentions []model.EntityMention) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_uuid = ?", docUUID).
			Delete(&model.EntityMention{}).Error; err != nil {
			return err
		}
		if len(mentions) > 0 {
			if err := tx.CreateInBatches(mentions, 200).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.SourceDocument{}).
			Where("document_uuid = ?", docUUID).
			Update("entity_count", len(mentions)).Error
	})
}

// GetMentions returns a document's mentions ordered by (chunk_index,
// start_offset).
func (s *Store) GetMentions(ctx context.Context, docUUID string) ([]model.EntityMention, error) {
	var mentions []model.EntityMention
	if err := s.db.WithContext(ctx).
		Where("document_uuid = ?", docUUID).
		Order("chunk_index, start_offset").
		Find(&mentions).Error; err != nil {
		return nil, fmt.Errorf("failed to get mentions: %w", err)
	}
	return mentions, nil
}

// Resolution

// MentionResolution carries the canonical pointer backfill for one mention.
type MentionResolution struct {
	MentionUUID         string
	CanonicalEntityUUID string
	UnresolvedReason    string
}

// SaveResolution writes canonical entities and backfills mention pointers in
// one logical transaction. Canonical UUIDs are deterministic, so re-running
// resolution replaces the set with identical rows.
func (s *Store) SaveResolution(ctx context.Context, docUUID string, entities []model.CanonicalEntity, resolutions []MentionResolution) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_uuid = ?", docUUID).
			Delete(&model.CanonicalEntity{}).Error; err != nil {
			return err
		}
		if len(entities) > 0 {
			if err := tx.CreateInBatches(entities, 200).Error; err != nil {
				return err
			}
		}
		for _, r := range resolutions {
			if err := tx.Model(&model.EntityMention{}).
				Where("mention_uuid = ?", r.MentionUUID).
				Updates(map[string]interface{}{
					"canonical_entity_uuid": r.CanonicalEntityUUID,
					"unresolved_reason":     r.UnresolvedReason,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCanonicalEntities returns a document's canonical entities.
func (s *Store) GetCanonicalEntities(ctx context.Context, docUUID string) ([]model.CanonicalEntity, error) {
	var entities []model.CanonicalEntity
	if err := s.db.WithContext(ctx).
		Where("document_uuid = ?", docUUID).
		Order("canonical_uuid").
		Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("failed to get canonical entities: %w", err)
	}
	return entities, nil
}

// FrequentCanonicalNames returns the most frequently mentioned canonical
// names across a project, for cache warming.
func (s *Store) FrequentCanonicalNames(ctx context.Context, projectUUID string, limit int) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&model.CanonicalEntity{}).
		Joins("JOIN source_documents ON source_documents.document_uuid = canonical_entities.document_uuid").
		Where("source_documents.project_uuid = ?", projectUUID).
		Order("canonical_entities.mention_count DESC").
		Limit(limit).
		Pluck("canonical_entities.canonical_name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list frequent entities: %w", err)
	}
	return names, nil
}

// Relationships

// ReplaceRelationships atomically replaces a document's staged
// relationships.
func (s *Store) ReplaceRelationships(ctx context.Context, docUUID string, rels []model.StagedRelationship) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_uuid = ?", docUUID).
			Delete(&model.StagedRelationship{}).Error; err != nil {
			return err
		}
		if len(rels) == 0 {
			return nil
		}
		return tx.CreateInBatches(rels, 200).Error
	})
}

// GetRelationships returns a document's staged relationships.
func (s *Store) GetRelationships(ctx context.Context, docUUID string) ([]model.StagedRelationship, error) {
	var rels []model.StagedRelationship
	if err := s.db.WithContext(ctx).
		Where("document_uuid = ?", docUUID).
		Find(&rels).Error; err != nil {
		return nil, fmt.Errorf("failed to get relationships: %w", err)
	}
	return rels, nil
}

// Processing tasks

// CreateTask records a new stage attempt.
func (s *Store) CreateTask(ctx context.Context, taskID, docUUID string, stage model.Stage, retryCount int) error {
	task := &model.ProcessingTask{
		TaskID:     taskID,
		DocumentID: docUUID,
		TaskType:   stage,
		Status:     model.TaskPending,
		RetryCount: retryCount,
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// StartTask marks a task in progress.
func (s *Store) StartTask(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	return s.updateTask(ctx, taskID, map[string]interface{}{
		"status":     model.TaskInProgress,
		"started_at": &now,
	})
}

// CompleteTask marks a task completed.
func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	return s.updateTask(ctx, taskID, map[string]interface{}{
		"status":       model.TaskCompleted,
		"completed_at": &now,
	})
}

// FailTask marks a task failed with the structured error message.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	now := time.Now().UTC()
	return s.updateTask(ctx, taskID, map[string]interface{}{
		"status":        model.TaskFailed,
		"error_message": errMsg,
		"completed_at":  &now,
	})
}

// CancelTask marks a task cancelled.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	return s.updateTask(ctx, taskID, map[string]interface{}{
		"status":       model.TaskCancelled,
		"completed_at": &now,
	})
}

// GetTask fetches a task by its task id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*model.ProcessingTask, error) {
	task := &model.ProcessingTask{}
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		First(task).Error; err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns all stage attempts for a document, oldest first.
func (s *Store) ListTasks(ctx context.Context, docUUID string) ([]model.ProcessingTask, error) {
	var tasks []model.ProcessingTask
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", docUUID).
		Order("id").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) updateTask(ctx context.Context, taskID string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&model.ProcessingTask{}).
		Where("task_id = ?", taskID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

// OCR jobs

// CreateOCRJob records a submitted provider job.
func (s *Store) CreateOCRJob(ctx context.Context, jobID, docUUID string) error {
	job := &model.OcrJob{
		JobID:        jobID,
		DocumentUUID: docUUID,
		Status:       model.OcrJobInProgress,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create ocr job: %w", err)
	}
	return nil
}

// CompleteOCRJob marks a provider job finished.
func (s *Store) CompleteOCRJob(ctx context.Context, jobID string, pages int, resultRef string) error {
	return s.db.WithContext(ctx).Model(&model.OcrJob{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":     model.OcrJobCompleted,
			"page_count": pages,
			"result_ref": resultRef,
		}).Error
}

// FailOCRJob marks a provider job failed with the provider's reason.
func (s *Store) FailOCRJob(ctx context.Context, jobID, reason string) error {
	return s.db.WithContext(ctx).Model(&model.OcrJob{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":        model.OcrJobFailed,
			"error_message": reason,
		}).Error
}
