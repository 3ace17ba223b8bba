package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
)

const (
	maxPageBytes      = 1000 << 20
	maxFormValueBytes = 64 << 10
	// summaryDatetimeLayout is the MM/DD/YYYY HH:mm format of v1 and v2 clients.
	summaryDatetimeLayout = "01/02/2006 15:04"
)

var (
	errRequiredFieldsMissing = errors.New("Required fields missing")
	errInvalidDatetime       = errors.New("invalid datetime")
)

type multipartForm struct {
	values   map[string]string
	filePath string
	fileSize int64
}

// readMultipart spools the file part named fileField into the blob
// directory and collects the remaining fields.
func (h *Handler) readMultipart(w http.ResponseWriter, r *http.Request, fileField string) (*multipartForm, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, errors.New("Not multipart/form-data")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxPageBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("read multipart body: %w", err)
	}
	form := &multipartForm{values: make(map[string]string)}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return form, nil
		}
		if err != nil {
			form.discard(h.fs())
			return nil, fmt.Errorf("read multipart part: %w", err)
		}
		name := part.FormName()
		if fileField != "" && name == fileField && part.FileName() != "" && form.filePath == "" {
			if err := h.spoolPart(form, part); err != nil {
				form.discard(h.fs())
				return nil, err
			}
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxFormValueBytes))
		part.Close()
		if err != nil {
			form.discard(h.fs())
			return nil, fmt.Errorf("read form field %s: %w", name, err)
		}
		form.values[name] = string(value)
	}
}

func (h *Handler) spoolPart(form *multipartForm, part *multipart.Part) error {
	defer part.Close()
	tmp, err := afero.TempFile(h.fs(), h.blobs.Dir(), "page-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()
	written, err := io.Copy(tmp, part)
	if err != nil {
		_ = h.fs().Remove(tmp.Name())
		return fmt.Errorf("save page: %w", err)
	}
	form.filePath = tmp.Name()
	form.fileSize = written
	return nil
}

func (f *multipartForm) discard(fs afero.Fs) {
	if f != nil && f.filePath != "" {
		_ = fs.Remove(f.filePath)
	}
}

// DocumentPage accepts one page of a document as a multipart upload.
func (h *Handler) DocumentPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	form, err := h.readMultipart(w, r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer h.cleanup(r, form.filePath)

	correlation := strings.TrimSpace(form.values["correlation"])
	pageIndex, hasIndex := -1, false
	if idx, err := strconv.Atoi(strings.TrimSpace(form.values["pageIndex"])); err == nil {
		pageIndex, hasIndex = idx, true
	}
	// "page" is the older spelling and wins when both are sent.
	if idx, err := strconv.Atoi(strings.TrimSpace(form.values["page"])); err == nil {
		pageIndex, hasIndex = idx, true
	}
	if form.filePath == "" || correlation == "" || !hasIndex {
		writeError(w, http.StatusBadRequest, errRequiredFieldsMissing)
		return
	}

	if err := h.documents.SubmitDocumentPage(r.Context(), correlation, pageIndex, form.filePath); err != nil {
		h.internalError(w, r, "submit document page", err)
		return
	}
	writeOK(w)
}

func (h *Handler) cleanup(r *http.Request, path string) {
	if path == "" || h.keepFiles {
		return
	}
	if err := h.fs().Remove(path); err != nil {
		logging.WithContext(r.Context(), h.logger).Error("delete page file", "file", path, "error", err)
	}
}

type summaryFormRequest struct {
	Correlation string  `form:"correlation" validate:"required"`
	PatID       string  `form:"patid" validate:"required"`
	Mode        string  `form:"mode" validate:"required"`
	Type        *string `form:"type" validate:"required"`
	Pages       int     `form:"pages" validate:"gt=0"`
	Datetime    string  `form:"datetime" validate:"required"`
	Name        string  `form:"name"`
	Notes       string  `form:"notes"`
}

// DocumentSummaryV1 accepts the v1 and v2 multipart document summary.
func (h *Handler) DocumentSummaryV1(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	values, err := h.summaryValues(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var docType *string
	if value, ok := values["type"]; ok {
		docType = &value
	}
	pages, _ := strconv.Atoi(strings.TrimSpace(values["pages"]))
	req := summaryFormRequest{
		Correlation: values["correlation"],
		PatID:       values["patid"],
		Mode:        values["mode"],
		Type:        docType,
		Pages:       pages,
		Datetime:    values["datetime"],
		Name:        values["name"],
		Notes:       values["notes"],
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	datetime, err := time.ParseInLocation(summaryDatetimeLayout, strings.TrimSpace(req.Datetime), time.Local)
	if err != nil {
		writeError(w, http.StatusBadRequest, missingField("datetime"))
		return
	}

	version := routeVersion(r.URL.Path)
	summary := models.DocumentSummary{
		FolderInternalID: req.PatID,
		DocumentMode:     models.DocumentMode(req.Mode),
		DocumentType:     *req.Type,
		Pages:            req.Pages,
		Datetime:         datetime,
		Name:             req.Name,
		Notes:            req.Notes,
		User:             userOf(r),
	}
	h.submitSummary(w, r, version, req.Correlation, summary)
}

// summaryValues reads a v1/v2 summary from a multipart or urlencoded form.
func (h *Handler) summaryValues(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		form, err := h.readMultipart(w, r, "")
		if err != nil {
			return nil, err
		}
		return form.values, nil
	}
	if mediaType != "application/x-www-form-urlencoded" {
		return nil, errors.New("Not multipart/form-data")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormValueBytes)
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	values := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		values[key] = r.PostForm.Get(key)
	}
	return values, nil
}

// flexibleTime accepts an RFC 3339 string or epoch milliseconds.
type flexibleTime time.Time

func (t *flexibleTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := parseSummaryTime(raw)
		if err != nil {
			return err
		}
		*t = flexibleTime(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", errInvalidDatetime, data)
	}
	*t = flexibleTime(time.UnixMilli(ms))
	return nil
}

func parseSummaryTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, nil
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", errInvalidDatetime, raw)
}

type summaryV3Request struct {
	Correlation      string       `json:"correlation" validate:"required"`
	FolderInternalID string       `json:"folderInternalId" validate:"required"`
	DocumentMode     string       `json:"documentMode" validate:"required"`
	DocumentType     *string      `json:"documentType" validate:"required"`
	Pages            json.Number  `json:"pages" validate:"required"`
	Datetime         flexibleTime `json:"datetime" validate:"required"`
	Name             string       `json:"name"`
	Notes            string       `json:"notes"`
}

// DocumentSummaryV3 accepts the JSON document summary.
func (h *Handler) DocumentSummaryV3(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req summaryV3Request
	if err := decodeJSON(r, &req); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, errors.New("No body in the request"))
			return
		}
		if errors.Is(err, errInvalidDatetime) {
			writeError(w, http.StatusBadRequest, errors.New("No valid datetime in the request"))
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].Field() == "datetime" {
			writeError(w, http.StatusBadRequest, errors.New("No valid datetime in the request"))
			return
		}
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	pages, err := strconv.Atoi(req.Pages.String())
	if err != nil || pages <= 0 {
		writeError(w, http.StatusBadRequest, missingField("pages"))
		return
	}

	summary := models.DocumentSummary{
		FolderInternalID: req.FolderInternalID,
		DocumentMode:     models.DocumentMode(req.DocumentMode),
		DocumentType:     *req.DocumentType,
		Pages:            pages,
		Datetime:         time.Time(req.Datetime),
		Name:             req.Name,
		Notes:            req.Notes,
		User:             userOf(r),
	}
	h.submitSummary(w, r, 3, req.Correlation, summary)
}

func (h *Handler) submitSummary(w http.ResponseWriter, r *http.Request, version int, correlation string, summary models.DocumentSummary) {
	h.logMetricsEvent(r.Context(), models.MetricsEventUpload, version, map[string]any{
		"mode":  string(summary.DocumentMode),
		"type":  summary.DocumentType,
		"pages": summary.Pages,
	})
	if err := h.documents.SubmitDocumentSummary(r.Context(), correlation, summary); err != nil {
		h.internalError(w, r, "submit document summary", err)
		return
	}
	writeOK(w)
}

func missingField(name string) error {
	return fmt.Errorf("No %s in the request", name)
}

// validationMessage reports the first failing field the way clients expect.
func validationMessage(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return missingField(fieldErrs[0].Field())
	}
	return err
}
