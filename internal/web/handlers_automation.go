package web

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"slices"

	"freebox-monitor/internal/automation"
)

type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

func newScriptView(sc *automation.Script, running []string) scriptView {
	return scriptView{Script: sc, Running: slices.Contains(running, sc.ID)}
}

func (s *Server) runningScripts() []string {
	if s.autoEngine == nil {
		return nil
	}
	return s.autoEngine.Running()
}

func (s *Server) automationUnavailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "automation not available"})
		return true
	}
	return false
}

// scriptError maps a manager or engine failure for script id.
func (s *Server) scriptError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, automation.ErrInvalidScriptID):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid script id"})
	case errors.Is(err, fs.ErrNotExist):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "script not found"})
	default:
		s.logger.Error("script", "id", id, "err", err)
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	views := []scriptView{}
	if s.scriptMgr != nil {
		scripts, err := s.scriptMgr.List()
		if err != nil {
			s.logger.Error("list scripts", "err", err)
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
			return
		}
		running := s.runningScripts()
		for _, sc := range scripts {
			views = append(views, newScriptView(sc, running))
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "scripts": views})
}

func (s *Server) handleAPIReloadScript(w http.ResponseWriter, r *http.Request) {
	if s.automationUnavailable(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.autoEngine.ReloadScript(id); err != nil {
		s.scriptError(w, id, err)
		return
	}
	sc, err := s.scriptMgr.Get(id)
	if err != nil {
		s.scriptError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newScriptView(sc, s.runningScripts()))
}

func (s *Server) handleAPIToggleScript(w http.ResponseWriter, r *http.Request) {
	if s.automationUnavailable(w) {
		return
	}
	id := r.PathValue("id")
	sc, err := s.scriptMgr.Get(id)
	if err != nil {
		s.scriptError(w, id, err)
		return
	}

	sc.Meta.Enabled = !sc.Meta.Enabled
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.logger.Error("toggle script", "id", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
		s.scriptError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newScriptView(saved, s.runningScripts()))
}

func (s *Server) handleAPIRunLua(w http.ResponseWriter, r *http.Request) {
	if s.automationUnavailable(w) {
		return
	}
	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.LuaCode == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "lua_code is required"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
