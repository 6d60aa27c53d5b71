package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/bunkodb/bunko/internal/config"
	"github.com/bunkodb/bunko/internal/index"
	"github.com/bunkodb/bunko/internal/storage"
)

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.config.Query.DefaultTopK
	}
	if topK > s.config.Query.MaxTopK {
		topK = s.config.Query.MaxTopK
	}
	s.logger.Debug("query request", zap.String("query", req.Query), zap.Int("top_k", topK))
	resp, err := s.svc.Query(r.Context(), req.Query, topK)
	if err != nil {
		s.logger.Error("query failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type pathRequest struct {
	Path string `json:"path"`
}

// handleIndexPath indexes a file or directory already present on the server's
// filesystem.
func (s *Server) handleIndexPath(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "path not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("index path request", zap.String("path", req.Path))
	if info.IsDir() {
		n, err := s.svc.IndexDirectory(r.Context(), req.Path)
		if err != nil {
			s.logger.Error("directory indexing failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusCreated, map[string]interface{}{"status": "indexed", "files": n})
		return
	}
	res := s.svc.IndexFile(r.Context(), req.Path)
	if !res.Success {
		s.logger.Error("indexing failed", zap.String("path", req.Path), zap.String("error", res.Error))
		s.respondError(w, http.StatusUnprocessableEntity, res.Error)
		return
	}
	s.respondJSON(w, http.StatusCreated, res)
}

// handleUpload accepts a multipart file, stores it in the data directory and
// indexes it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		s.respondError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	if err := os.MkdirAll(s.config.Storage.DataDir, 0755); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dest := filepath.Join(s.config.Storage.DataDir, name)
	out, err := os.Create(dest)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		_ = os.Remove(dest)
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := out.Close(); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Debug("upload indexed", zap.String("path", dest))
	res := s.svc.IndexFile(r.Context(), dest)
	if !res.Success {
		_ = os.Remove(dest)
		s.respondError(w, http.StatusUnprocessableEntity, res.Error)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"path":          dest,
		"status":        "indexed",
		"vectors_added": res.VectorsAdded,
	})
}

func (s *Server) handleRemoveDocument(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		var req pathRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Path != "" {
			path = req.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	s.logger.Debug("remove document request", zap.String("path", path))
	res := s.svc.RemoveFile(r.Context(), path)
	if !res.Success {
		// Only a missing document is the caller's fault; anything else is a
		// persistence failure during the store rebuild.
		if res.Error == index.ErrNotFound.Error() {
			s.respondError(w, http.StatusNotFound, res.Error)
		} else {
			s.respondError(w, http.StatusInternalServerError, res.Error)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	info := s.svc.Status()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"total_documents": info.TotalDocuments,
		"documents":       info.Documents,
	})
}

type rebuildRequest struct {
	Directory string `json:"directory"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Directory == "" {
		s.respondError(w, http.StatusBadRequest, "directory is required")
		return
	}
	s.logger.Debug("rebuild request", zap.String("directory", req.Directory))
	res := s.svc.RebuildFromDirectory(r.Context(), req.Directory)
	if !res.Success {
		s.respondError(w, http.StatusInternalServerError, res.Error)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("resync request")
	res := s.svc.Resync(r.Context())
	if !res.Success {
		s.respondError(w, http.StatusInternalServerError, res.Error)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info := s.svc.Status()
	resp := map[string]interface{}{
		"documents": info.TotalDocuments,
		"vectors":   info.TotalVectors,
	}
	configInfo := map[string]interface{}{
		"embedding_dimensions": s.config.Embedding.Dimensions,
		"chunk_size":           s.config.Indexing.ChunkSize,
		"chunk_overlap":        s.config.Indexing.ChunkOverlap,
		"index_dir":            s.config.Storage.IndexDir,
		"database_path":        s.config.Storage.DatabasePath,
	}
	diskBytes, err := storage.DiskUsageBytes(
		s.config.Storage.IndexDir,
		s.config.Storage.DatabasePath,
		s.config.Storage.DataDir,
	)
	if err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	resp["config"] = configInfo
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var req pathRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Path != "" {
			path = req.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	s.config.Watch.Directories = s.watch.Directories()
	err := config.Save(s.configPath, s.config)
	s.configMu.Unlock()
	if err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
