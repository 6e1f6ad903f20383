package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/deckcloud/deckcloud/internal/netdisk"
	"github.com/deckcloud/deckcloud/internal/service"
	"github.com/deckcloud/deckcloud/internal/store"
)

// envelope is the uniform response shape. Data is the operation result on
// success; Diagnostics carries the resolver attempt trail when a share
// resolution failed.
type envelope struct {
	Status      string            `json:"status"`
	Message     string            `json:"message,omitempty"`
	Data        any               `json:"data,omitempty"`
	Diagnostics []netdisk.Attempt `json:"diagnostics,omitempty"`
}

func writeSuccess(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, code int, err error) {
	env := envelope{Status: "error", Message: err.Error()}
	var resolveErr *netdisk.ResolveError
	if errors.As(err, &resolveErr) {
		env.Diagnostics = resolveErr.Attempts
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(env)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, errors.New(message))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.service.Summary())
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	writeSuccess(w, s.service.Catalog(q.Get("query"), page, pageSize))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.service.Settings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.Settings
	if !decodeBody(w, r, &settings) {
		return
	}
	applied, err := s.service.UpdateSettings(settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, applied)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cookie string `json:"cookie"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Cookie == "" {
		writeBadRequest(w, "cookie is required")
		return
	}
	account, err := s.service.Login(r.Context(), req.Cookie)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeSuccess(w, map[string]string{"account": account})
}

func (s *Server) handlePrepareInstall(w http.ResponseWriter, r *http.Request) {
	var req service.InstallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	plan, err := s.service.PrepareInstall(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeSuccess(w, plan)
}

func (s *Server) handleStartInstall(w http.ResponseWriter, r *http.Request) {
	var req service.InstallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.service.StartInstall(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.metrics.installsStarted.Add(float64(len(result.Tasks)))
	writeSuccess(w, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	sync := r.URL.Query().Get("sync") == "1"
	writeSuccess(w, s.service.ListTasks(r.Context(), sync))
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeBadRequest(w, "task id required")
		return "", false
	}
	return id, true
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.service.PauseTask(r.Context(), id); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.service.ResumeTask(r.Context(), id); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.service.RemoveTask(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleInstalled(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.service.InstalledGames())
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	var req service.UninstallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.service.UninstallGame(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeSuccess(w, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.service.InstallHistory(r.URL.Query().Get("gameId"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, runs)
}

func (s *Server) handleCloudSaveUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameID  string `json:"gameId"`
		SaveDir string `json:"saveDir"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SaveDir == "" {
		writeBadRequest(w, "saveDir is required")
		return
	}
	result, err := s.service.UploadSaves(r.Context(), req.GameID, req.SaveDir)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeSuccess(w, result)
}

func (s *Server) handleCloudSaveRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArchiveURL string `json:"archiveUrl"`
		SaveDir    string `json:"saveDir"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ArchiveURL == "" || req.SaveDir == "" {
		writeBadRequest(w, "archiveUrl and saveDir are required")
		return
	}
	result, err := s.service.RestoreSaves(r.Context(), req.ArchiveURL, req.SaveDir)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeSuccess(w, result)
}
