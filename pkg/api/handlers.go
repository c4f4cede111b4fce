package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/joeydtaylor/steeze-hotload/pkg/codec"
	"github.com/joeydtaylor/steeze-hotload/pkg/core"
	"go.uber.org/zap"
)

type fileResponse struct {
	Filename string           `json:"filename"`
	Message  string           `json:"message"`
	Result   *core.LoadResult `json:"result,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}

type fileContent struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type saveRequest struct {
	Content string `json:"content"`
}

type routeView struct {
	core.Entry
	Routes []string `json:"routes"`
}

type reconcileResponse struct {
	Summary core.Summary      `json:"summary"`
	Results []core.LoadResult `json:"results"`
}

func (h *Handler) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing form file \"file\"")
		return
	}
	defer file.Close()

	m := h.loader.Mapper()
	name := path.Base(strings.ReplaceAll(hdr.Filename, `\`, "/"))
	if !strings.HasSuffix(name, m.Extension) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid file type. Only %s files are allowed.", m.Extension))
		return
	}
	rel := joinRel(strings.Trim(r.FormValue("dir"), "/"), name)
	if err := m.Validate(rel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	res := h.loader.Save(r.Context(), rel, data)
	if res.Kind == core.Failed {
		writeResult(w, statusFor(res.Err), rel, "Failed to upload or load file: "+res.Err.Error(), res, nil)
		return
	}
	extra := h.commit(r.Context(), rel, "upload "+rel)
	writeResult(w, http.StatusCreated, rel, uploadMessage(res), res, extra)
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.store.ListUnits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list files: "+err.Error())
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, files, http.StatusOK)
}

// fileParam returns the unit path named by the wildcard, or writes a 404.
func (h *Handler) fileParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	rel := chi.URLParam(r, "*")
	m := h.loader.Mapper()
	if !m.IsUnitFile(rel) || m.Validate(rel) != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("File not found or not a %s file.", m.Extension))
		return "", false
	}
	ok, err := h.store.Exists(r.Context(), rel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return "", false
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("File not found or not a %s file.", m.Extension))
		return "", false
	}
	return rel, true
}

func (h *Handler) getFile(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.fileParam(w, r)
	if !ok {
		return
	}
	b, err := h.store.Read(r.Context(), rel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read file: "+err.Error())
		return
	}
	writeJSON(w, fileContent{Filename: rel, Content: string(b)}, http.StatusOK)
}

func (h *Handler) saveFile(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.fileParam(w, r)
	if !ok {
		return
	}

	content, hasQuery := r.URL.Query()["content"]
	var body string
	switch {
	case hasQuery:
		body = content[0]
	default:
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		var req saveRequest
		if err := codec.JSONStrict.Unmarshal(raw, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		body = req.Content
	}

	res := h.loader.Save(r.Context(), rel, []byte(body))
	if res.Kind == core.Failed {
		writeResult(w, statusFor(res.Err), rel, "Failed to save or reload file: "+res.Err.Error(), res, nil)
		return
	}
	extra := h.commit(r.Context(), rel, "edit "+rel)
	writeResult(w, http.StatusOK, rel, "File saved and module reloaded. "+res.Message(), res, extra)
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	res := h.loader.Delete(r.Context(), rel)
	if res.Kind == core.Failed {
		writeResult(w, statusFor(res.Err), rel, "Failed to delete file: "+res.Err.Error(), res, nil)
		return
	}
	extra := h.commit(r.Context(), rel, "delete "+rel)
	msg := "File deleted. " + res.Message()
	if len(res.Warnings) == 0 {
		msg += "; no route was mounted for it"
	}
	writeResult(w, http.StatusOK, rel, msg, res, extra)
}

func (h *Handler) routes(w http.ResponseWriter, _ *http.Request) {
	entries := h.loader.Registry().List()
	out := make([]routeView, 0, len(entries))
	for _, e := range entries {
		out = append(out, routeView{Entry: e, Routes: e.Routes()})
	}
	writeJSON(w, out, http.StatusOK)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	results, err := h.reconciler.ReconcileAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, reconcileResponse{Summary: core.Summarize(results), Results: nonNil(results)}, http.StatusOK)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sync(r.Context())
	if err != nil {
		if errors.Is(err, ErrSyncDisabled) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.Warn("sync failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	res.Results = nonNil(res.Results)
	writeJSON(w, res, http.StatusOK)
}

func uploadMessage(res core.LoadResult) string {
	switch res.Kind {
	case core.Mounted:
		return "File uploaded and module loaded successfully. " + res.Message()
	default:
		return "File uploaded. " + res.Message()
	}
}

func nonNil(rs []core.LoadResult) []core.LoadResult {
	if rs == nil {
		return []core.LoadResult{}
	}
	return rs
}
