package api

import "net/http"

// DocumentTypes serves /v1, /v2 and /v3 documenttypes.
func (h *Handler) DocumentTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	types, err := h.documents.GetDocumentTypes(r.Context())
	if err != nil {
		h.internalError(w, r, "list document types", err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (h *Handler) BodyPartsViews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	views, err := h.bodyParts.GetBodyPartsViews(r.Context())
	if err != nil {
		h.internalError(w, r, "list body parts views", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}
