package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/config"
	"github.com/rowforge/rowforge-engine/pkg/fingerprint"
	"github.com/rowforge/rowforge-engine/pkg/models"
	"github.com/rowforge/rowforge-engine/pkg/repositories"
	"github.com/rowforge/rowforge-engine/pkg/retry"
)

// previewLimit caps how many duplicate previews are materialized for the
// caller; beyond it only the counts grow.
const previewLimit = 100

// rowAction is the per-record decision produced by the check phase.
type rowAction int8

const (
	actionInsert rowAction = iota
	actionUpdate
	actionSkip
)

// ChunkPlan is everything the coordinator needs to run one import's row work.
type ChunkPlan struct {
	ImportID   uuid.UUID
	Config     *models.MappingConfig
	Resolution *Resolution
	Records    []models.MappedRecord
}

// ChunkOutcome reports what the coordinator did. When Aborted is set the
// check phase found disallowed duplicates and nothing was written.
type ChunkOutcome struct {
	ChunksTotal     int
	RowsInserted    int
	RowsUpdated     int
	RowsSkipped     int
	DuplicatesFound int
	Aborted         bool
	Previews        []models.DuplicatePreview
}

// ChunkCoordinator runs the two-phase chunk pipeline: a parallel, read-only
// duplicate-check phase over all chunks, then a strictly sequential insert
// phase in chunk order. The phase barrier means a failed check never leaves
// partial data behind.
type ChunkCoordinator interface {
	Run(ctx context.Context, plan *ChunkPlan) (*ChunkOutcome, error)
}

type chunkCoordinator struct {
	tables     repositories.TargetTableRepository
	rowUpdates repositories.RowUpdateRepository
	cfg        *config.ImportConfig
	logger     *zap.Logger
}

// NewChunkCoordinator creates a new chunk coordinator.
func NewChunkCoordinator(
	tables repositories.TargetTableRepository,
	rowUpdates repositories.RowUpdateRepository,
	cfg *config.ImportConfig,
	logger *zap.Logger,
) ChunkCoordinator {
	return &chunkCoordinator{tables: tables, rowUpdates: rowUpdates, cfg: cfg, logger: logger}
}

// chunk is one contiguous slice of the mapped batch. Chunk numbers are
// 1-indexed and fix the insert order.
type chunk struct {
	number  int
	records []models.MappedRecord
}

// chunkCheck is the read-only result of checking one chunk. keys holds each
// record's uniqueness hash; existingRow maps record index to the colliding
// existing row's id (0 when the id is unknown).
type chunkCheck struct {
	number      int
	keys        []uint64
	existingRow map[int]int64
}

func (c *chunkCoordinator) Run(ctx context.Context, plan *ChunkPlan) (*ChunkOutcome, error) {
	chunks := c.partition(plan.Records)
	outcome := &ChunkOutcome{ChunksTotal: len(chunks)}
	if len(chunks) == 0 {
		return outcome, nil
	}

	dc := plan.Config.DuplicateCheck
	checkDuplicates := dc.Enabled && !dc.AllowDuplicates

	var (
		checks   []*chunkCheck
		existing *fingerprint.KeySet
		err      error
	)
	if checkDuplicates {
		existing, err = c.existingKeys(ctx, plan)
		if err != nil {
			return nil, err
		}
		checks, err = c.checkPhase(ctx, plan, chunks, existing)
		if err != nil {
			return nil, err
		}
	}

	actions, err := c.classify(ctx, plan, chunks, checks, outcome)
	if err != nil {
		return nil, err
	}
	if outcome.Aborted {
		return outcome, c.abortError(plan, outcome)
	}

	if err := c.insertPhase(ctx, plan, chunks, actions, checks, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (c *chunkCoordinator) partition(records []models.MappedRecord) []chunk {
	if len(records) == 0 {
		return nil
	}
	size := c.cfg.ChunkSize
	if len(records) < c.cfg.MinRowsForChunking {
		size = len(records)
	}

	var chunks []chunk
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, chunk{number: len(chunks) + 1, records: records[start:end]})
	}
	return chunks
}

// existingKeys preloads the target table's uniqueness keys when the table is
// small enough. For larger tables it returns nil and the check phase pushes
// per-chunk lookups down to the database instead.
func (c *chunkCoordinator) existingKeys(ctx context.Context, plan *ChunkPlan) (*fingerprint.KeySet, error) {
	existing := plan.Resolution.Existing
	if existing == nil {
		return fingerprint.NewKeySet(0), nil
	}
	if existing.RowCount > c.cfg.PreloadMaxRows {
		c.logger.Info("target table too large to preload, using per-chunk lookups",
			zap.String("table", existing.TableName),
			zap.Int64("row_count", existing.RowCount))
		return nil, nil
	}
	return c.tables.PreloadKeys(ctx, existing, plan.Config.KeyColumns())
}

// checkPhase runs every chunk's duplicate check concurrently. Each worker
// only reads: the shared preloaded key set is never written, and per-chunk
// results land in the worker's own slot.
func (c *chunkCoordinator) checkPhase(ctx context.Context, plan *ChunkPlan, chunks []chunk, existing *fingerprint.KeySet) ([]*chunkCheck, error) {
	keyCols := plan.Config.KeyColumns()
	checks := make([]*chunkCheck, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.CheckWorkers())

	for i, ch := range chunks {
		g.Go(func() error {
			chunkCtx, cancel := context.WithTimeout(gctx, c.cfg.ChunkTimeout())
			defer cancel()

			check, err := c.checkChunk(chunkCtx, plan, ch, keyCols, existing)
			if err != nil {
				return fmt.Errorf("chunk %d check failed: %w", ch.number, err)
			}
			checks[i] = check
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, apperrors.ErrImportCancelled
		}
		return nil, err
	}
	return checks, nil
}

func (c *chunkCoordinator) checkChunk(ctx context.Context, plan *ChunkPlan, ch chunk, keyCols []string, existing *fingerprint.KeySet) (*chunkCheck, error) {
	check := &chunkCheck{
		number:      ch.number,
		keys:        make([]uint64, len(ch.records)),
		existingRow: make(map[int]int64),
	}

	// Pushdown mode: resolve this chunk's tuples against the table directly.
	if existing == nil {
		var err error
		existing, err = c.tables.LookupKeys(ctx, plan.Resolution.Existing, keyCols, ch.records)
		if err != nil {
			return nil, err
		}
	}

	for i, rec := range ch.records {
		key := fingerprint.RowKey(rec.Values, keyCols)
		check.keys[i] = key
		if rowID, ok := existing.Lookup(key); ok {
			check.existingRow[i] = rowID
		}
	}
	return check, nil
}

// classify walks chunks in order and decides each record's fate. Duplicate
// resolution is deterministic: the first occurrence of a key, in chunk order
// then record order, wins regardless of how the parallel checks interleaved.
func (c *chunkCoordinator) classify(ctx context.Context, plan *ChunkPlan, chunks []chunk, checks []*chunkCheck, outcome *ChunkOutcome) ([][]rowAction, error) {
	actions := make([][]rowAction, len(chunks))
	dc := plan.Config.DuplicateCheck

	if checks == nil {
		// Duplicate checking disabled or duplicates allowed: everything inserts.
		for i, ch := range chunks {
			actions[i] = make([]rowAction, len(ch.records))
		}
		return actions, nil
	}

	seen := fingerprint.NewKeySet(len(plan.Records))
	var dupChunks []int

	for i, ch := range chunks {
		acts := make([]rowAction, len(ch.records))
		check := checks[i]
		chunkHadDup := false

		for j := range ch.records {
			rowID, existsInTable := check.existingRow[j]
			_, seenInBatch := seen.Lookup(check.keys[j])

			if !existsInTable && !seenInBatch {
				seen.Add(check.keys[j], 0)
				acts[j] = actionInsert
				continue
			}

			outcome.DuplicatesFound++
			chunkHadDup = true

			switch {
			case dc.UpdateOnDuplicate && existsInTable && rowID != 0:
				acts[j] = actionUpdate
			case dc.UpdateOnDuplicate || dc.ForceImport:
				// Repeats within the batch, and collisions whose row id is
				// unknown, are skipped rather than written twice.
				acts[j] = actionSkip
			default:
				acts[j] = actionSkip
				outcome.Aborted = true
			}

			if err := c.addPreview(ctx, plan, outcome, ch, j, rowID, existsInTable); err != nil {
				return nil, err
			}
		}

		if chunkHadDup {
			dupChunks = append(dupChunks, ch.number)
		}
		actions[i] = acts
	}

	if outcome.Aborted {
		c.logger.Warn("duplicate rows found and not allowed, aborting before insert phase",
			zap.Int("duplicates", outcome.DuplicatesFound),
			zap.Ints("chunks", dupChunks))
	}
	return actions, nil
}

func (c *chunkCoordinator) addPreview(ctx context.Context, plan *ChunkPlan, outcome *ChunkOutcome, ch chunk, idx int, rowID int64, existsInTable bool) error {
	if len(outcome.Previews) >= previewLimit {
		return nil
	}
	rec := ch.records[idx]
	preview := models.DuplicatePreview{
		ChunkNumber:     ch.number,
		SourceRowNumber: rec.SourceRowNumber,
		Incoming:        rec.Values,
	}
	if existsInTable && rowID != 0 {
		preview.ExistingRowID = &rowID
		row, err := c.tables.FetchRow(ctx, plan.Config.TableName, rowID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		preview.Existing = userValues(row)
	}
	outcome.Previews = append(outcome.Previews, preview)
	return nil
}

func (c *chunkCoordinator) abortError(plan *ChunkPlan, outcome *ChunkOutcome) error {
	chunkSet := make(map[int]struct{})
	for _, p := range outcome.Previews {
		chunkSet[p.ChunkNumber] = struct{}{}
	}
	chunks := make([]int, 0, len(chunkSet))
	for n := range chunkSet {
		chunks = append(chunks, n)
	}
	return &apperrors.DuplicateDataError{
		Count:        outcome.DuplicatesFound,
		ChunkNumbers: chunks,
		Message:      plan.Config.DuplicateCheck.ErrorMessage,
	}
}

// insertPhase writes chunks strictly in order. Cancellation is honored at
// chunk boundaries only: a chunk that has started commits or fails whole.
func (c *chunkCoordinator) insertPhase(ctx context.Context, plan *ChunkPlan, chunks []chunk, actions [][]rowAction, checks []*chunkCheck, outcome *ChunkOutcome) error {
	importedAt := time.Now().UTC()
	committed := 0

	for i, ch := range chunks {
		if ctx.Err() != nil {
			if committed > 0 {
				// Earlier chunks are already committed, so the import must
				// surface as partial rather than failed.
				return &apperrors.ChunkFailureError{
					ChunkNumber:     ch.number,
					CommittedChunks: committed,
					Err:             apperrors.ErrImportCancelled,
				}
			}
			return fmt.Errorf("%w: %d of %d chunks committed", apperrors.ErrImportCancelled, 0, len(chunks))
		}

		chunkCtx, cancel := context.WithTimeout(ctx, c.cfg.ChunkTimeout())
		err := c.writeChunk(chunkCtx, plan, ch, actions[i], checks, i, importedAt, outcome)
		cancel()
		if err != nil {
			return &apperrors.ChunkFailureError{
				ChunkNumber:     ch.number,
				CommittedChunks: committed,
				Err:             err,
			}
		}
		committed++

		c.logger.Debug("chunk committed",
			zap.String("import_id", plan.ImportID.String()),
			zap.Int("chunk", ch.number),
			zap.Int("of", len(chunks)))
	}
	return nil
}

func (c *chunkCoordinator) writeChunk(ctx context.Context, plan *ChunkPlan, ch chunk, acts []rowAction, checks []*chunkCheck, chunkIdx int, importedAt time.Time, outcome *ChunkOutcome) error {
	inserts := make([]models.MappedRecord, 0, len(ch.records))
	var updates []int
	for j, act := range acts {
		switch act {
		case actionInsert:
			inserts = append(inserts, ch.records[j])
		case actionUpdate:
			updates = append(updates, j)
		case actionSkip:
			outcome.RowsSkipped++
		}
	}

	if len(inserts) > 0 {
		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			n, err := c.tables.InsertChunk(ctx, plan.Config.TableName,
				plan.Resolution.InsertColumns, inserts, plan.ImportID, importedAt)
			if err != nil {
				return err
			}
			outcome.RowsInserted += n
			return nil
		})
		if err != nil {
			return err
		}
	}

	if len(updates) > 0 {
		audits := make([]*models.RowUpdate, 0, len(updates))
		for _, j := range updates {
			audit, err := c.updateRow(ctx, plan, ch.records[j], checks[chunkIdx].existingRow[j])
			if err != nil {
				return err
			}
			audits = append(audits, audit)
			outcome.RowsUpdated++
		}
		if err := c.rowUpdates.CreateBatch(ctx, audits); err != nil {
			return err
		}
	}
	return nil
}

// updateRow applies one update-on-duplicate write and builds its audit
// record, including the content hash that guards later rollback.
func (c *chunkCoordinator) updateRow(ctx context.Context, plan *ChunkPlan, rec models.MappedRecord, rowID int64) (*models.RowUpdate, error) {
	values := updateValues(plan.Config, rec)
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: update_on_duplicate produced no columns to update", apperrors.ErrInvalidConfig)
	}

	var previous, current map[string]any
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		previous, current, err = c.tables.UpdateRow(ctx, plan.Config.TableName, rowID, values)
		return err
	})
	if err != nil {
		return nil, err
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}

	prevUser := userValues(previous)
	currUser := userValues(current)
	return &models.RowUpdate{
		ImportID:          plan.ImportID,
		TableName:         plan.Config.TableName,
		RowID:             rowID,
		PreviousValues:    prevUser,
		NewValues:         currUser,
		UpdatedColumns:    cols,
		CurrentValuesHash: fingerprint.ContentHash(currUser),
	}, nil
}

// updateValues picks the columns an update-on-duplicate write carries:
// the configured update columns, or every mapped column with a non-null
// incoming value when none are configured.
func updateValues(cfg *models.MappingConfig, rec models.MappedRecord) map[string]any {
	out := make(map[string]any)
	if cols := cfg.DuplicateCheck.UpdateColumns; len(cols) > 0 {
		for _, col := range cols {
			out[col] = rec.Values[col]
		}
		return out
	}
	for _, col := range rec.Columns {
		if v := rec.Values[col]; v != nil {
			out[col] = v
		}
	}
	return out
}

// userValues strips engine-managed columns from a row map.
func userValues(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for col, v := range row {
		if !models.IsSystemColumn(col) {
			out[col] = v
		}
	}
	return out
}

var _ ChunkCoordinator = (*chunkCoordinator)(nil)
