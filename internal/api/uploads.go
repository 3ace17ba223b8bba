package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
	"zscanner-backend/internal/storage"
	"zscanner-backend/internal/upload"
)

// Upload types registered on the resumable upload gateway.
const (
	UploadTypePage           = "page"
	UploadTypePageWithDefect = "pageWithDefect"
)

// UploadRegistrar is the part of the upload gateway route modules hook into.
type UploadRegistrar interface {
	BeforeUploadStart(uploadType string, fn upload.BeforeStartFunc)
	OnUploadComplete(uploadType string, fn upload.CompleteFunc)
}

// RegisterUploadTypes hooks the page upload types into the gateway.
func (h *Handler) RegisterUploadTypes(gateway UploadRegistrar) {
	gateway.BeforeUploadStart(UploadTypePage, h.validatePageUpload)
	gateway.OnUploadComplete(UploadTypePage, h.completePage)

	gateway.BeforeUploadStart(UploadTypePageWithDefect, h.validatePageUpload)
	gateway.OnUploadComplete(UploadTypePageWithDefect, h.completePageWithDefect)
}

type pageUpload struct {
	correlation string
	pageIndex   int
	fileType    string
	filePath    string
}

func parsePageMetadata(meta upload.Metadata) (pageUpload, error) {
	page := pageUpload{
		correlation: meta["correlation"],
		fileType:    meta["filetype"],
		filePath:    meta[upload.MetaFilePath],
	}
	if page.correlation == "" {
		return pageUpload{}, fmt.Errorf("No correlation in the request")
	}
	idx, err := strconv.Atoi(strings.TrimSpace(meta["pageIndex"]))
	if err != nil {
		return pageUpload{}, fmt.Errorf("No page in the request")
	}
	page.pageIndex = idx
	if page.fileType == "" {
		return pageUpload{}, fmt.Errorf("No filetype in the request")
	}
	return page, nil
}

func (h *Handler) validatePageUpload(_ context.Context, meta upload.Metadata) error {
	if _, err := parsePageMetadata(meta); err != nil {
		return upload.Reject("%s", err.Error())
	}
	return nil
}

func (h *Handler) completedPage(meta upload.Metadata) (pageUpload, models.LargePage, error) {
	page, err := parsePageMetadata(meta)
	if err != nil {
		return pageUpload{}, models.LargePage{}, err
	}
	if page.filePath == "" {
		return pageUpload{}, models.LargePage{}, fmt.Errorf("no filepath in metadata")
	}
	detected, err := storage.DetectContentType(h.fs(), page.filePath)
	if err != nil {
		return pageUpload{}, models.LargePage{}, err
	}
	return page, models.LargePage{FilePath: page.filePath, ContentType: page.fileType, DetectedType: detected}, nil
}

func (h *Handler) completePage(ctx context.Context, meta upload.Metadata) error {
	page, large, err := h.completedPage(meta)
	if err != nil {
		return err
	}
	if err := h.documents.SubmitLargeDocumentPage(ctx, page.correlation, page.pageIndex, large); err != nil {
		return fmt.Errorf("submit page %s/%d: %w", page.correlation, page.pageIndex, err)
	}
	h.removeProcessed(ctx, page.filePath)
	return nil
}

func (h *Handler) completePageWithDefect(ctx context.Context, meta upload.Metadata) error {
	page, large, err := h.completedPage(meta)
	if err != nil {
		return err
	}
	withDefect := models.LargePageWithDefect{LargePage: large, Description: meta["description"]}
	if id := meta["defectId"]; id != "" {
		withDefect.Defect = &models.FolderDefect{ID: id, Name: meta["defectName"], BodyPartID: meta["bodyPartId"]}
	}
	if err := h.documents.SubmitLargeDocumentPageWithDefect(ctx, page.correlation, page.pageIndex, withDefect); err != nil {
		return fmt.Errorf("submit page with defect %s/%d: %w", page.correlation, page.pageIndex, err)
	}
	h.removeProcessed(ctx, page.filePath)
	return nil
}

func (h *Handler) removeProcessed(ctx context.Context, path string) {
	if h.keepFiles {
		return
	}
	if err := h.blobs.RemoveFile(path); err != nil {
		logging.WithContext(ctx, h.logger).Error("delete uploaded page file", "file", path, "error", err)
	}
}
