package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/storage"
)

var (
	queryDisallowed = regexp.MustCompile(`[^\p{L}\p{N}\p{Z}/.-]`)
	querySpaces     = regexp.MustCompile(`\p{Z}+`)
)

// sanitizeQuery keeps letters, digits, separators, slashes, dots and dashes
// and collapses separator runs to one space.
func sanitizeQuery(query string) string {
	query = queryDisallowed.ReplaceAllString(query, "")
	query = querySpaces.ReplaceAllString(query, " ")
	return strings.TrimSpace(query)
}

// PatientsSearch serves /v1/patients and /v2/patients/search. A raw query
// containing '#' is a scanned barcode and is decoded instead of searched.
func (h *Handler) PatientsSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := r.URL.Query().Get("query")
	h.logMetricsEvent(r.Context(), models.MetricsEventSearch, routeVersion(r.URL.Path), map[string]any{"query": raw})

	query := sanitizeQuery(raw)
	folders := []models.DocumentFolder{}
	switch {
	case query == "":
	case strings.Contains(raw, "#"):
		folder, err := h.documents.GetFolderByBarcode(r.Context(), query)
		if err == nil {
			folders = append(folders, folder)
		} else if !errors.Is(err, storage.ErrFolderNotFound) {
			h.internalError(w, r, "decode barcode", err)
			return
		}
	default:
		found, err := h.documents.FindFolders(r.Context(), query, userOf(r))
		if err != nil {
			h.internalError(w, r, "search folders", err)
			return
		}
		folders = found
	}

	patients := make([]models.Patient, 0, len(folders))
	for _, folder := range folders {
		patients = append(patients, folder.Patient())
	}
	writeJSON(w, http.StatusOK, patients)
}

// PatientsDecode serves /v2/patients/decode.
func (h *Handler) PatientsDecode(w http.ResponseWriter, r *http.Request) {
	folder, ok := h.decode(w, r)
	if ok {
		writeJSON(w, http.StatusOK, folder.Patient())
	}
}

// FoldersSearch serves /v3/folders/search.
func (h *Handler) FoldersSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := r.URL.Query().Get("query")
	h.logMetricsEvent(r.Context(), models.MetricsEventSearch, 3, map[string]any{"query": raw})

	folders := []models.DocumentFolder{}
	if query := sanitizeQuery(raw); query != "" {
		found, err := h.documents.FindFolders(r.Context(), query, userOf(r))
		if err != nil {
			h.internalError(w, r, "search folders", err)
			return
		}
		folders = found
	}
	writeJSON(w, http.StatusOK, folders)
}

// FoldersDecode serves /v3/folders/decode.
func (h *Handler) FoldersDecode(w http.ResponseWriter, r *http.Request) {
	folder, ok := h.decode(w, r)
	if ok {
		writeJSON(w, http.StatusOK, folder)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (models.DocumentFolder, bool) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return models.DocumentFolder{}, false
	}
	raw := r.URL.Query().Get("query")
	h.logMetricsEvent(r.Context(), models.MetricsEventDecode, routeVersion(r.URL.Path), map[string]any{"query": raw})

	query := sanitizeQuery(raw)
	if query == "" {
		writeError(w, http.StatusNotFound, storage.ErrFolderNotFound)
		return models.DocumentFolder{}, false
	}
	folder, err := h.documents.GetFolderByBarcode(r.Context(), query)
	if errors.Is(err, storage.ErrFolderNotFound) {
		writeError(w, http.StatusNotFound, err)
		return models.DocumentFolder{}, false
	}
	if err != nil {
		h.internalError(w, r, "decode barcode", err)
		return models.DocumentFolder{}, false
	}
	return folder, true
}
