package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/config"
	"github.com/rowforge/rowforge-engine/pkg/fingerprint"
	"github.com/rowforge/rowforge-engine/pkg/models"
	"github.com/rowforge/rowforge-engine/pkg/repositories"
	"github.com/rowforge/rowforge-engine/pkg/transform"
)

// ImportRequest is one batch of records plus the mapping config that turns
// them into rows. FileData is the raw bytes as received; when Records is nil
// the service expects a cached parse under the file's hash.
type ImportRequest struct {
	FileName string
	FileData []byte
	Records  []models.RawRecord
	Config   *models.MappingConfig
}

// ImportService orchestrates a full import: validation, the file-level gate,
// schema resolution, transformation and mapping, the chunk pipeline, and the
// audit record bracketing it all.
type ImportService interface {
	// RunImport executes one import end to end. On duplicate aborts the
	// returned result still carries the previews an external resolver needs.
	RunImport(ctx context.Context, req *ImportRequest) (*models.ImportResult, error)

	// GetImport returns one import's audit record.
	GetImport(ctx context.Context, id uuid.UUID) (*models.ImportRecord, error)

	// ListImports returns import audit records, newest first.
	ListImports(ctx context.Context, page models.Page) ([]*models.ImportRecord, error)

	// GetMappingErrors lists per-row mapping failures for an import.
	GetMappingErrors(ctx context.Context, importID uuid.UUID, filter models.MappingErrorFilter, page models.Page) ([]models.MappingError, int, error)
}

type importService struct {
	imports       repositories.ImportRepository
	mappingErrors repositories.MappingErrorRepository
	tables        repositories.TargetTableRepository
	resolver      SchemaResolver
	coordinator   ChunkCoordinator
	rowTransform  *transform.RowTransformer
	columnMapper  *transform.ColumnMapper
	cache         *RecordCache
	cfg           *config.ImportConfig
	logger        *zap.Logger
}

// NewImportService creates a new import service.
func NewImportService(
	imports repositories.ImportRepository,
	mappingErrors repositories.MappingErrorRepository,
	tables repositories.TargetTableRepository,
	resolver SchemaResolver,
	coordinator ChunkCoordinator,
	cache *RecordCache,
	cfg *config.ImportConfig,
	logger *zap.Logger,
) ImportService {
	return &importService{
		imports:       imports,
		mappingErrors: mappingErrors,
		tables:        tables,
		resolver:      resolver,
		coordinator:   coordinator,
		rowTransform:  transform.NewRowTransformer(logger),
		columnMapper:  transform.NewColumnMapper(logger),
		cache:         cache,
		cfg:           cfg,
		logger:        logger,
	}
}

func (s *importService) RunImport(ctx context.Context, req *ImportRequest) (*models.ImportResult, error) {
	cfg := req.Config
	if cfg == nil {
		return nil, fmt.Errorf("%w: mapping config is required", apperrors.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fileHash := fingerprint.FileHash(req.FileData)
	records := req.Records
	if records == nil {
		cached, ok := s.cache.Get(fileHash)
		if !ok {
			return nil, fmt.Errorf("%w: no records supplied and none cached for file", apperrors.ErrNotFound)
		}
		records = cached
	}
	if req.Records != nil && len(req.FileData) > 0 {
		// Cache the parsed records so a retry (force_import after a duplicate
		// abort, say) can resubmit by file hash alone.
		s.cache.Put(fileHash, records)
	}

	if err := s.fileGate(ctx, cfg, fileHash); err != nil {
		return nil, err
	}

	resolution, err := s.resolver.Resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rec := &models.ImportRecord{
		SourceType: cfg.SourceType,
		FileName:   req.FileName,
		FileHash:   fileHash,
		TableName:  cfg.TableName,
		Strategy:   resolution.Strategy,
	}
	if err := s.imports.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("import started",
		zap.String("import_id", rec.ID.String()),
		zap.String("table", cfg.TableName),
		zap.String("strategy", resolution.Strategy.String()),
		zap.Int("records", len(records)))

	result, runErr := s.run(ctx, rec, cfg, resolution, records)
	// Finalization must outlive a cancelled request, or a partial import
	// would never record its status.
	if completeErr := s.imports.Complete(context.WithoutCancel(ctx), rec); completeErr != nil {
		s.logger.Error("failed to finalize import record",
			zap.String("import_id", rec.ID.String()),
			zap.Error(completeErr))
		if runErr == nil {
			runErr = completeErr
		}
	}
	if runErr == nil {
		// Keep the cached parse on failure: a retry with force_import or
		// update_on_duplicate should not have to re-parse the file.
		s.cache.Invalidate(fileHash)
	}
	return result, runErr
}

// run performs everything between import record creation and finalization,
// mutating rec with the outcome as it goes.
func (s *importService) run(ctx context.Context, rec *models.ImportRecord, cfg *models.MappingConfig, resolution *Resolution, records []models.RawRecord) (*models.ImportResult, error) {
	rec.MappingStatus = models.MappingStatusInProgress

	transformed, transformErrs := s.rowTransform.Transform(records, cfg.RowTransformations)
	mapped, mapErrs := s.columnMapper.Map(transformed, cfg)
	allErrs := append(transformErrs, mapErrs...)

	rec.RowsProcessed = len(mapped)
	rec.MappingErrors = len(allErrs)
	switch {
	case len(allErrs) == 0:
		rec.MappingStatus = models.MappingStatusCompleted
	default:
		rec.MappingStatus = models.MappingStatusCompletedWithErrors
	}

	if len(allErrs) > 0 {
		s.stampMappingErrors(allErrs, rec.ID, mapped)
		if err := s.mappingErrors.CreateBatch(ctx, allErrs); err != nil {
			rec.Status = models.ImportStatusFailed
			rec.ErrorMessage = err.Error()
			return nil, err
		}
	}

	if err := s.tables.ExecDDL(ctx, resolution.DDL); err != nil {
		rec.Status = models.ImportStatusFailed
		rec.ErrorMessage = err.Error()
		return nil, err
	}
	if resolution.Existing != nil && len(resolution.DDL) > 0 {
		// Adopted tables gain backfilled system columns in the DDL pass; the
		// duplicate check must see the post-DDL shape to address rows by id.
		refreshed, err := s.tables.GetTableSchema(ctx, cfg.TableName)
		if err != nil {
			rec.Status = models.ImportStatusFailed
			rec.ErrorMessage = err.Error()
			return nil, err
		}
		resolution.Existing = refreshed
	}

	outcome, err := s.coordinator.Run(ctx, &ChunkPlan{
		ImportID:   rec.ID,
		Config:     cfg,
		Resolution: resolution,
		Records:    mapped,
	})
	result := s.buildResult(rec, resolution, outcome)
	if err != nil {
		rec.Status = models.ImportStatusFailed
		rec.ErrorMessage = err.Error()
		var chunkErr *apperrors.ChunkFailureError
		if errors.As(err, &chunkErr) && chunkErr.CommittedChunks > 0 {
			rec.Status = models.ImportStatusPartial
		}
		if result != nil {
			result.Status = rec.Status
		}
		return result, err
	}

	rec.Status = models.ImportStatusSuccess
	result.Status = rec.Status

	s.logger.Info("import completed",
		zap.String("import_id", rec.ID.String()),
		zap.Int("inserted", rec.RowsInserted),
		zap.Int("updated", rec.RowsUpdated),
		zap.Int("skipped", rec.RowsSkipped),
		zap.Int("duplicates", rec.DuplicatesFound),
		zap.Int("mapping_errors", rec.MappingErrors))
	return result, nil
}

// fileGate rejects a byte-identical re-import of a file into the same table
// unless the config explicitly allows retries or forces the import.
func (s *importService) fileGate(ctx context.Context, cfg *models.MappingConfig, fileHash string) error {
	dc := cfg.DuplicateCheck
	if !dc.Enabled || !dc.CheckFileLevel || dc.AllowFileLevelRetry || dc.ForceImport {
		return nil
	}

	prior, err := s.imports.FindCompletedByFileHash(ctx, fileHash, cfg.TableName)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	return &apperrors.FileAlreadyImportedError{
		FileHash:  fileHash,
		TableName: cfg.TableName,
		ImportID:  prior.ID.String(),
	}
}

// stampMappingErrors fills in the import id and the chunk each failed row
// will land in, derived from the row's position in the mapped batch.
func (s *importService) stampMappingErrors(errs []models.MappingError, importID uuid.UUID, mapped []models.MappedRecord) {
	chunkSize := s.cfg.ChunkSize
	if len(mapped) < s.cfg.MinRowsForChunking {
		chunkSize = len(mapped)
	}

	chunkOf := make(map[int]int, len(mapped))
	if chunkSize > 0 {
		for i, rec := range mapped {
			if _, ok := chunkOf[rec.SourceRowNumber]; !ok {
				chunkOf[rec.SourceRowNumber] = i/chunkSize + 1
			}
		}
	}

	for i := range errs {
		errs[i].ImportID = importID
		if n, ok := chunkOf[errs[i].RecordNumber]; ok {
			errs[i].ChunkNumber = n
		}
	}
}

func (s *importService) buildResult(rec *models.ImportRecord, resolution *Resolution, outcome *ChunkOutcome) *models.ImportResult {
	if outcome == nil {
		outcome = &ChunkOutcome{}
	}
	rec.RowsInserted = outcome.RowsInserted
	rec.RowsUpdated = outcome.RowsUpdated
	rec.RowsSkipped = outcome.RowsSkipped
	rec.DuplicatesFound = outcome.DuplicatesFound

	return &models.ImportResult{
		ImportID:          rec.ID,
		Strategy:          resolution.Strategy,
		TableName:         rec.TableName,
		RowsProcessed:     rec.RowsProcessed,
		RowsInserted:      rec.RowsInserted,
		RowsUpdated:       rec.RowsUpdated,
		RowsSkipped:       rec.RowsSkipped,
		DuplicatesFound:   rec.DuplicatesFound,
		MappingErrors:     rec.MappingErrors,
		Duration:          time.Since(rec.StartedAt),
		NeedsUserInput:    outcome.Aborted,
		DuplicatePreviews: outcome.Previews,
	}
}

func (s *importService) GetImport(ctx context.Context, id uuid.UUID) (*models.ImportRecord, error) {
	return s.imports.GetByID(ctx, id)
}

func (s *importService) ListImports(ctx context.Context, page models.Page) ([]*models.ImportRecord, error) {
	return s.imports.List(ctx, page)
}

func (s *importService) GetMappingErrors(ctx context.Context, importID uuid.UUID, filter models.MappingErrorFilter, page models.Page) ([]models.MappingError, int, error) {
	if _, err := s.imports.GetByID(ctx, importID); err != nil {
		return nil, 0, err
	}
	errsList, err := s.mappingErrors.ListByImport(ctx, importID, filter, page)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.mappingErrors.CountByImport(ctx, importID, filter)
	if err != nil {
		return nil, 0, err
	}
	return errsList, total, nil
}

var _ ImportService = (*importService)(nil)
