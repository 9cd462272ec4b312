package api

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/visiontune/visiontune-api/internal/api/shared"
	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/service"
	"github.com/visiontune/visiontune-api/internal/task"
)

const (
	// multipartMemoryLimit is how much of an upload is held in memory
	// before spilling to temp files.
	multipartMemoryLimit = 32 << 20

	// defaultLogTail is the number of log lines returned when the client
	// doesn't ask for a specific count.
	defaultLogTail = 100

	// maxLogTail caps a single logs request.
	maxLogTail = 5000
)

// TaskHandler handles task lifecycle API requests.
type TaskHandler struct {
	taskService service.TaskService
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(taskService service.TaskService) *TaskHandler {
	return &TaskHandler{taskService: taskService}
}

// Submit handles POST /tasks. The request is multipart form data with
// "kind", "name" and "config" fields, a required "dataset" archive and
// an optional "model" checkpoint.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "User ID not found in request context")
		return
	}

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Request must be multipart form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	req := service.SubmitRequest{
		Kind: domain.TaskKind(r.FormValue("kind")),
		Name: r.FormValue("name"),
	}

	if raw := r.FormValue("config"); raw != "" {
		if !json.Valid([]byte(raw)) {
			HandleAPIError(w, r,
				fmt.Errorf("%w: config must be a JSON object", domain.ErrValidation), "")
			return
		}
		req.Config = json.RawMessage(raw)
	}

	dataset, closeDataset, err := formFile(r, "dataset")
	if err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %v", service.ErrMissingDataset, err), "")
		return
	}
	defer closeDataset()
	req.Dataset = dataset

	if model, closeModel, err := formFile(r, "model"); err == nil {
		defer closeModel()
		req.Model = model
	}

	created, err := h.taskService.Submit(r.Context(), userID, req)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, newTaskResponse(created))
}

// formFile opens a named multipart file, normalizing the missing-file case.
func formFile(r *http.Request, name string) (multipart.File, func(), error) {
	f, _, err := r.FormFile(name)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// List handles GET /tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "User ID not found in request context")
		return
	}

	tasks, err := h.taskService.List(r.Context(), userID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, newTaskResponse(t))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Get handles GET /tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := requireUserAndTaskID(w, r)
	if !ok {
		return
	}

	detail, err := h.taskService.Get(r.Context(), userID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, newTaskDetailResponse(detail))
}

// Cancel handles POST /tasks/{id}/cancel.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := requireUserAndTaskID(w, r)
	if !ok {
		return
	}

	if err := h.taskService.Cancel(r.Context(), userID, taskID); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	// Cancellation of a running job is asynchronous; return the current
	// record so the client sees where things stand.
	detail, err := h.taskService.Get(r.Context(), userID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, newTaskDetailResponse(detail))
}

// Delete handles DELETE /tasks/{id}.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := requireUserAndTaskID(w, r)
	if !ok {
		return
	}

	if err := h.taskService.Delete(r.Context(), userID, taskID); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Logs handles GET /tasks/{id}/logs. The optional "tail" query parameter
// bounds how many trailing lines come back.
func (h *TaskHandler) Logs(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := requireUserAndTaskID(w, r)
	if !ok {
		return
	}

	tail := defaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			HandleAPIError(w, r,
				fmt.Errorf("%w: tail must be a positive integer", domain.ErrValidation), "")
			return
		}
		tail = parsed
	}
	if tail > maxLogTail {
		tail = maxLogTail
	}

	lines, err := h.taskService.Logs(r.Context(), userID, taskID, tail)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if lines == nil {
		lines = []string{}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, LogsResponse{Lines: lines})
}

// Output handles GET /tasks/{id}/output, streaming a zip of the task's
// output directory.
func (h *TaskHandler) Output(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := requireUserAndTaskID(w, r)
	if !ok {
		return
	}

	// Headers go out lazily: errors detected before the first byte can
	// still produce a proper JSON error response.
	zw := &zipResponseWriter{w: w, taskID: taskID.String()}
	if err := h.taskService.OutputArchive(r.Context(), userID, taskID, zw); err != nil {
		if !zw.wroteHeader {
			HandleAPIError(w, r, err, "")
		}
		return
	}
}

// zipResponseWriter defers the archive headers until the first write.
type zipResponseWriter struct {
	w           http.ResponseWriter
	taskID      string
	wroteHeader bool
}

func (z *zipResponseWriter) Write(p []byte) (int, error) {
	if !z.wroteHeader {
		z.w.Header().Set("Content-Type", "application/zip")
		z.w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", "task-"+z.taskID+"-output.zip"))
		z.w.WriteHeader(http.StatusOK)
		z.wroteHeader = true
	}
	return z.w.Write(p)
}

// Presets handles GET /models/presets.
func (h *TaskHandler) Presets(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, PresetsResponse{Models: task.PresetModels()})
}
