package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/merge"
)

type importHandler struct {
	deps Deps
}

// importRequestBody is the normalized-row payload the (out-of-scope)
// spreadsheet reader produces. The HTTP surface accepts it directly as
// JSON under the "file" multipart field, or as the whole request body
// when the client posts application/json — spec.md §1 treats the reader
// itself as an external collaborator this core only consumes the output
// of, so no xlsx parser lives in this package.
type importRequestBody struct {
	merge.ImportInput
}

// Import handles POST /import. Query params: dry_run, perform_ghost_check,
// trigger_recalculation, save_baseline_version (spec.md §6).
func (h *importHandler) Import(w http.ResponseWriter, r *http.Request) {
	var body io.Reader
	fileName := "upload.json"

	if ct := r.Header.Get("Content-Type"); len(ct) >= 19 && ct[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxMultipartMemory(r)); err != nil {
			writeError(w, http.StatusBadRequest, string(apperrors.FileFormat), "could not parse multipart upload", nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, string(apperrors.FileFormat), "missing \"file\" field", nil)
			return
		}
		defer file.Close()
		fileName = header.Filename
		body = file
	} else {
		body = r.Body
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.FileFormat), "could not read upload body", nil)
		return
	}

	var req importRequestBody
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.FileFormat), "upload is not a recognized normalized-plan payload", map[string]interface{}{"error": err.Error()})
		return
	}

	sum := sha256.Sum256(raw)

	report := merge.Validate(req.ImportInput)
	if !report.OK() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"status":   "validation_failed",
			"errors":   report.Errors,
			"warnings": report.Warnings,
		})
		return
	}

	opts := merge.Options{
		DryRun:               boolParam(r, "dry_run", false),
		PerformGhostCheck:    boolParam(r, "perform_ghost_check", true),
		TriggerRecalculation: boolParam(r, "trigger_recalculation", true),
		SaveBaselineVersion:  boolParam(r, "save_baseline_version", false),
		FileName:             fileName,
		FileHash:             hex.EncodeToString(sum[:]),
		ChangedBy:            r.Header.Get("X-Planner-Id"),
	}

	summary, err := h.deps.Merge.Execute(r.Context(), req.ImportInput, opts)
	if err != nil {
		writeAppError(w, err)
		return
	}

	status := "success"
	if len(report.Warnings) > 0 {
		status = "partial_success"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"summary":  summary,
		"warnings": report.Warnings,
	})
}

func maxMultipartMemory(r *http.Request) int64 {
	if r.ContentLength > 0 {
		return r.ContentLength + 1024
	}
	return 32 << 20
}

func (h *importHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	programID := r.URL.Query().Get("program_id")
	batches, err := h.deps.Store.ListImportBatches(r.Context(), programID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *importHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	batch, err := h.deps.Store.GetImportBatch(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if batch == nil {
		writeError(w, http.StatusNotFound, string(apperrors.ResourceNotFound), "import batch not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *importHandler) ListBaselineVersions(w http.ResponseWriter, r *http.Request) {
	programID := r.URL.Query().Get("program_id")
	if programID == "" {
		writeError(w, http.StatusBadRequest, string(apperrors.ValidationFailure), "program_id is required", nil)
		return
	}
	versions, err := h.deps.Store.ListBaselineVersions(r.Context(), programID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}
