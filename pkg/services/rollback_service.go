package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/fingerprint"
	"github.com/rowforge/rowforge-engine/pkg/models"
	"github.com/rowforge/rowforge-engine/pkg/repositories"
)

// RollbackResult summarizes one import rollback.
type RollbackResult struct {
	ImportID        uuid.UUID                `json:"import_id"`
	RowsDeleted     int64                    `json:"rows_deleted"`
	UpdatesTotal    int                      `json:"updates_total"`
	UpdatesReverted int                      `json:"updates_reverted"`
	UpdatesSkipped  int                      `json:"updates_skipped"`
	Outcomes        []models.RollbackOutcome `json:"outcomes,omitempty"`
}

// RollbackService undoes imports. Inserted rows are removed by provenance;
// updated rows are restored to their previous values, but only after
// verifying the row was not changed by someone else since the import.
type RollbackService interface {
	// RollbackImport deletes every row the import inserted, reverts its
	// tracked updates, and removes the import record. skipConflicts leaves
	// externally modified rows in place instead of failing.
	RollbackImport(ctx context.Context, importID uuid.UUID, skipConflicts bool) (*RollbackResult, error)

	// RollbackUpdate reverts one tracked update. force reverts even when the
	// row changed externally after the import.
	RollbackUpdate(ctx context.Context, updateID uuid.UUID, force bool) (*models.RollbackOutcome, error)

	// RollbackAllUpdates reverts every tracked update of an import without
	// touching the inserted rows or the import record. skipConflicts reports
	// conflicting rows instead of stopping the batch.
	RollbackAllUpdates(ctx context.Context, importID uuid.UUID, skipConflicts bool) (*RollbackResult, error)

	// ListRowUpdates returns the tracked updates for an import.
	ListRowUpdates(ctx context.Context, importID uuid.UUID) ([]*models.RowUpdate, error)
}

type rollbackService struct {
	imports    repositories.ImportRepository
	rowUpdates repositories.RowUpdateRepository
	tables     repositories.TargetTableRepository
	logger     *zap.Logger
}

// NewRollbackService creates a new rollback service.
func NewRollbackService(
	imports repositories.ImportRepository,
	rowUpdates repositories.RowUpdateRepository,
	tables repositories.TargetTableRepository,
	logger *zap.Logger,
) RollbackService {
	return &rollbackService{imports: imports, rowUpdates: rowUpdates, tables: tables, logger: logger}
}

func (s *rollbackService) RollbackImport(ctx context.Context, importID uuid.UUID, skipConflicts bool) (*RollbackResult, error) {
	rec, err := s.imports.GetByID(ctx, importID)
	if err != nil {
		return nil, err
	}

	result := &RollbackResult{ImportID: importID}

	// Revert updates first: once the import record is gone the audit trail
	// goes with it.
	if err := s.revertImportUpdates(ctx, importID, skipConflicts, result); err != nil {
		return nil, err
	}

	deleted, err := s.tables.DeleteByImport(ctx, rec.TableName, importID)
	if err != nil {
		return nil, err
	}
	result.RowsDeleted = deleted

	if err := s.imports.Delete(ctx, importID); err != nil {
		return nil, err
	}

	s.logger.Info("import rolled back",
		zap.String("import_id", importID.String()),
		zap.String("table", rec.TableName),
		zap.Int64("rows_deleted", deleted),
		zap.Int("updates_reverted", result.UpdatesReverted),
		zap.Int("updates_skipped", result.UpdatesSkipped))
	return result, nil
}

func (s *rollbackService) RollbackUpdate(ctx context.Context, updateID uuid.UUID, force bool) (*models.RollbackOutcome, error) {
	u, err := s.rowUpdates.GetByID(ctx, updateID)
	if err != nil {
		return nil, err
	}
	return s.revertUpdate(ctx, u, force)
}

func (s *rollbackService) RollbackAllUpdates(ctx context.Context, importID uuid.UUID, skipConflicts bool) (*RollbackResult, error) {
	if _, err := s.imports.GetByID(ctx, importID); err != nil {
		return nil, err
	}

	result := &RollbackResult{ImportID: importID}
	if err := s.revertImportUpdates(ctx, importID, skipConflicts, result); err != nil {
		return nil, err
	}

	s.logger.Info("import updates rolled back",
		zap.String("import_id", importID.String()),
		zap.Int("updates_reverted", result.UpdatesReverted),
		zap.Int("updates_skipped", result.UpdatesSkipped))
	return result, nil
}

// revertImportUpdates walks an import's tracked updates in applied order,
// accumulating outcomes into result.
func (s *rollbackService) revertImportUpdates(ctx context.Context, importID uuid.UUID, skipConflicts bool, result *RollbackResult) error {
	updates, err := s.rowUpdates.ListByImport(ctx, importID)
	if err != nil {
		return err
	}
	result.UpdatesTotal = len(updates)
	for _, u := range updates {
		outcome, err := s.revertUpdate(ctx, u, false)
		if err != nil {
			var conflict *apperrors.RollbackConflictError
			if errors.As(err, &conflict) && skipConflicts {
				result.UpdatesSkipped++
				result.Outcomes = append(result.Outcomes, models.RollbackOutcome{
					UpdateID: u.ID,
					Conflict: true,
					Message:  conflict.Error(),
				})
				continue
			}
			return err
		}
		if outcome.RolledBack {
			result.UpdatesReverted++
		}
		result.Outcomes = append(result.Outcomes, *outcome)
	}
	return nil
}

func (s *rollbackService) ListRowUpdates(ctx context.Context, importID uuid.UUID) ([]*models.RowUpdate, error) {
	if _, err := s.imports.GetByID(ctx, importID); err != nil {
		return nil, err
	}
	return s.rowUpdates.ListByImport(ctx, importID)
}

// revertUpdate restores one row's previous values. The row's current content
// hash must match the hash captured right after the update; a mismatch means
// someone else touched the row and the rollback would destroy their change.
func (s *rollbackService) revertUpdate(ctx context.Context, u *models.RowUpdate, force bool) (*models.RollbackOutcome, error) {
	if u.RolledBack() {
		return &models.RollbackOutcome{
			UpdateID: u.ID,
			Message:  "already rolled back",
		}, nil
	}

	current, err := s.tables.FetchRow(ctx, u.TableName, u.RowID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// The row is gone entirely; nothing to restore.
			if err := s.rowUpdates.MarkRolledBack(ctx, u.ID, time.Now().UTC()); err != nil && !errors.Is(err, apperrors.ErrConflict) {
				return nil, err
			}
			return &models.RollbackOutcome{
				UpdateID: u.ID,
				Message:  "row no longer exists",
			}, nil
		}
		return nil, err
	}

	currentUser := userValues(current)
	if !force && fingerprint.ContentHash(currentUser) != u.CurrentValuesHash {
		return nil, &apperrors.RollbackConflictError{
			UpdateID:       u.ID.String(),
			RowID:          u.RowID,
			TableName:      u.TableName,
			OriginalValues: u.PreviousValues,
			UpdatedValues:  u.NewValues,
			CurrentValues:  currentUser,
		}
	}

	restore := make(map[string]any, len(u.UpdatedColumns))
	for _, col := range u.UpdatedColumns {
		restore[col] = u.PreviousValues[col]
	}
	if len(restore) == 0 {
		return nil, fmt.Errorf("row update %s has no columns to restore", u.ID)
	}

	if _, _, err := s.tables.UpdateRow(ctx, u.TableName, u.RowID, restore); err != nil {
		return nil, err
	}
	if err := s.rowUpdates.MarkRolledBack(ctx, u.ID, time.Now().UTC()); err != nil {
		if !errors.Is(err, apperrors.ErrConflict) {
			return nil, err
		}
	}

	s.logger.Debug("row update reverted",
		zap.String("update_id", u.ID.String()),
		zap.String("table", u.TableName),
		zap.Int64("row_id", u.RowID))
	return &models.RollbackOutcome{UpdateID: u.ID, RolledBack: true}, nil
}

var _ RollbackService = (*rollbackService)(nil)
