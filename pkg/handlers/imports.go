package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/apperrors"
	"github.com/rowforge/rowforge-engine/pkg/models"
	"github.com/rowforge/rowforge-engine/pkg/services"
)

// RunImportRequest is the wire form of one import call. Records arrive as
// flat objects; field_order preserves source column order, which JSON
// objects cannot carry on their own.
type RunImportRequest struct {
	FileName   string                `json:"file_name"`
	FileData   []byte                `json:"file_data"` // base64 on the wire
	FieldOrder []string              `json:"field_order,omitempty"`
	Records    []map[string]any      `json:"records,omitempty"`
	Config     *models.MappingConfig `json:"config"`
}

// ImportsHandler handles import HTTP requests.
type ImportsHandler struct {
	importService   services.ImportService
	rollbackService services.RollbackService
	logger          *zap.Logger
}

// NewImportsHandler creates a new imports handler.
func NewImportsHandler(importService services.ImportService, rollbackService services.RollbackService, logger *zap.Logger) *ImportsHandler {
	return &ImportsHandler{
		importService:   importService,
		rollbackService: rollbackService,
		logger:          logger,
	}
}

// RegisterRoutes registers the import handler's routes on the given mux.
func (h *ImportsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/imports", h.RunImport)
	mux.HandleFunc("GET /api/imports", h.ListImports)
	mux.HandleFunc("GET /api/imports/{id}", h.GetImport)
	mux.HandleFunc("GET /api/imports/{id}/errors", h.ListMappingErrors)
	mux.HandleFunc("GET /api/imports/{id}/row-updates", h.ListRowUpdates)
	mux.HandleFunc("POST /api/imports/{id}/rollback", h.RollbackImport)
	mux.HandleFunc("POST /api/imports/{id}/rollback-updates", h.RollbackAllUpdates)
	mux.HandleFunc("POST /api/row-updates/{update_id}/rollback", h.RollbackUpdate)
}

// RunImport handles POST /api/imports
func (h *ImportsHandler) RunImport(w http.ResponseWriter, r *http.Request) {
	var req RunImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Config == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_config", "config is required")
		return
	}

	result, err := h.importService.RunImport(r.Context(), &services.ImportRequest{
		FileName: req.FileName,
		FileData: req.FileData,
		Records:  decodeRecords(req),
		Config:   req.Config,
	})
	if err != nil {
		h.logger.Warn("import failed",
			zap.String("file_name", req.FileName),
			zap.String("table", req.Config.TableName),
			zap.Error(err))
		status, code := statusForError(err)

		// Duplicate aborts still carry the previews the caller needs to
		// resolve the collision, so the result rides along with the error.
		var dupErr *apperrors.DuplicateDataError
		if errors.As(err, &dupErr) && result != nil {
			if werr := WriteJSON(w, status, ApiResponse{
				Success: false,
				Error:   code,
				Message: err.Error(),
				Data:    result,
			}); werr != nil {
				h.logger.Error("Failed to write response", zap.Error(werr))
			}
			return
		}
		h.writeError(w, status, code, err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetImport handles GET /api/imports/{id}
func (h *ImportsHandler) GetImport(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.importService.GetImport(r.Context(), id)
	if err != nil {
		status, code := statusForError(err)
		h.writeError(w, status, code, err.Error())
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: rec}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListImports handles GET /api/imports
func (h *ImportsHandler) ListImports(w http.ResponseWriter, r *http.Request) {
	page := parsePage(r)
	records, err := h.importService.ListImports(r.Context(), page)
	if err != nil {
		status, code := statusForError(err)
		h.writeError(w, status, code, err.Error())
		return
	}
	if records == nil {
		records = make([]*models.ImportRecord, 0)
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: PaginatedResponse{
			Items:  records,
			Total:  len(records),
			Limit:  page.Limit,
			Offset: page.Offset,
		},
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListMappingErrors handles GET /api/imports/{id}/errors
func (h *ImportsHandler) ListMappingErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	filter := models.MappingErrorFilter{
		ErrorType:   models.MappingErrorType(r.URL.Query().Get("error_type")),
		TargetField: r.URL.Query().Get("target_field"),
	}
	page := parsePage(r)

	errsList, total, err := h.importService.GetMappingErrors(r.Context(), id, filter, page)
	if err != nil {
		status, code := statusForError(err)
		h.writeError(w, status, code, err.Error())
		return
	}
	if errsList == nil {
		errsList = make([]models.MappingError, 0)
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: PaginatedResponse{
			Items:  errsList,
			Total:  total,
			Limit:  page.Normalize().Limit,
			Offset: page.Normalize().Offset,
		},
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListRowUpdates handles GET /api/imports/{id}/row-updates
func (h *ImportsHandler) ListRowUpdates(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	updates, err := h.rollbackService.ListRowUpdates(r.Context(), id)
	if err != nil {
		status, code := statusForError(err)
		h.writeError(w, status, code, err.Error())
		return
	}
	if updates == nil {
		updates = make([]*models.RowUpdate, 0)
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: updates}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type rollbackImportRequest struct {
	SkipConflicts bool `json:"skip_conflicts"`
}

// RollbackImport handles POST /api/imports/{id}/rollback
func (h *ImportsHandler) RollbackImport(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	var req rollbackImportRequest
	if r.Body != nil {
		// An empty body means default options.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := h.rollbackService.RollbackImport(r.Context(), id, req.SkipConflicts)
	if err != nil {
		h.logger.Warn("rollback failed",
			zap.String("import_id", id.String()),
			zap.Error(err))
		status, code := statusForError(err)
		h.writeError(w, status, code, err.Error())
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// RollbackAllUpdates handles POST /api/imports/{id}/rollback-updates
func (h *ImportsHandler) RollbackAllUpdates(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	var req rollbackImportRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := h.rollbackService.RollbackAllUpdates(r.Context(), id, req.SkipConflicts)
	if err != nil {
		h.logger.Warn("update rollback failed",
			zap.String("import_id", id.String()),
			zap.Error(err))
		status, code := statusForError(err)
		h.writeError(w, status, code, err.Error())
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type rollbackUpdateRequest struct {
	Force bool `json:"force"`
}

// RollbackUpdate handles POST /api/row-updates/{update_id}/rollback
func (h *ImportsHandler) RollbackUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "update_id")
	if !ok {
		return
	}

	var req rollbackUpdateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	outcome, err := h.rollbackService.RollbackUpdate(r.Context(), id, req.Force)
	if err != nil {
		var conflict *apperrors.RollbackConflictError
		if errors.As(err, &conflict) {
			// Surface all three versions of the row so the caller can decide
			// whether to force.
			if werr := WriteJSON(w, http.StatusConflict, ApiResponse{
				Success: false,
				Error:   "rollback_conflict",
				Message: conflict.Error(),
				Data: map[string]any{
					"original_values": conflict.OriginalValues,
					"updated_values":  conflict.UpdatedValues,
					"current_values":  conflict.CurrentValues,
				},
			}); werr != nil {
				h.logger.Error("Failed to write response", zap.Error(werr))
			}
			return
		}
		status, code := statusForError(err)
		h.writeError(w, status, code, err.Error())
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: outcome}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *ImportsHandler) parseID(w http.ResponseWriter, r *http.Request, pathKey string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(pathKey))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *ImportsHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

// decodeRecords converts wire records into raw records, numbering rows from
// 1 in arrival order. Field order comes from the request when given, else
// from the config's schema declaration.
func decodeRecords(req RunImportRequest) []models.RawRecord {
	if req.Records == nil {
		return nil
	}
	fields := req.FieldOrder
	if len(fields) == 0 && req.Config != nil {
		fields = req.Config.ColumnNames()
	}

	out := make([]models.RawRecord, 0, len(req.Records))
	for i, values := range req.Records {
		out = append(out, models.NewRawRecord(fields, values, i+1))
	}
	return out
}

func parsePage(r *http.Request) models.Page {
	var page models.Page
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Offset = n
		}
	}
	return page
}
