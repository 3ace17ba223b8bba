package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/upload"
)

var pngPage = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}, bytes.Repeat([]byte{7}, 64)...)

func tusCreate(t *testing.T, f *fixture, meta upload.Metadata, length int) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api-zscanner/upload", nil)
	req.Header.Set("Tus-Resumable", upload.TusVersion)
	req.Header.Set("Upload-Length", strconv.Itoa(length))
	req.Header.Set("Upload-Metadata", upload.EncodeMetadata(meta))
	rr := httptest.NewRecorder()
	f.gateway.ServeHTTP(rr, req)
	return rr
}

func tusPatch(t *testing.T, f *fixture, location string, offset int, chunk []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPatch, location, bytes.NewReader(chunk))
	req.Header.Set("Tus-Resumable", upload.TusVersion)
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", strconv.Itoa(offset))
	rr := httptest.NewRecorder()
	f.gateway.ServeHTTP(rr, req)
	return rr
}

func uploadPage(t *testing.T, f *fixture, meta upload.Metadata) *httptest.ResponseRecorder {
	t.Helper()
	created := tusCreate(t, f, meta, len(pngPage))
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	location := created.Header().Get("Location")
	require.NotEmpty(t, location)

	half := len(pngPage) / 2
	rr := tusPatch(t, f, location, 0, pngPage[:half])
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	return tusPatch(t, f, location, half, pngPage[half:])
}

func TestPageUploadSubmitsLargePage(t *testing.T) {
	f := newFixture(t, false)

	rr := uploadPage(t, f, upload.Metadata{"uploadType": "page", "correlation": "c1", "pageIndex": "0", "filetype": "image/png"})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	require.Len(t, f.docs.pages, 1)
	submitted := f.docs.pages[0]
	assert.Equal(t, "c1", submitted.correlation)
	assert.Equal(t, 0, submitted.pageIndex)
	assert.Equal(t, "image/png", submitted.page.ContentType)
	assert.Equal(t, "image/png", submitted.page.DetectedType)
	assert.Nil(t, submitted.page.Defect)
	assert.Equal(t, pngPage, submitted.content)

	exists, err := afero.Exists(f.fs, submitted.page.FilePath)
	require.NoError(t, err)
	assert.False(t, exists, "processed blob should be deleted")
}

func TestPageWithDefectUpload(t *testing.T) {
	f := newFixture(t, true)

	rr := uploadPage(t, f, upload.Metadata{
		"uploadType":  "pageWithDefect",
		"correlation": "c2",
		"pageIndex":   "4",
		"filetype":    "image/png",
		"defectId":    "d7",
		"defectName":  "Bruise",
		"bodyPartId":  "leftEye",
		"description": "swollen",
	})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	require.Len(t, f.docs.pages, 1)
	submitted := f.docs.pages[0]
	assert.Equal(t, 4, submitted.pageIndex)
	assert.Equal(t, &models.FolderDefect{ID: "d7", Name: "Bruise", BodyPartID: "leftEye"}, submitted.page.Defect)
	assert.Equal(t, "swollen", submitted.page.Description)

	exists, err := afero.Exists(f.fs, submitted.page.FilePath)
	require.NoError(t, err)
	assert.True(t, exists, "blob must be kept when processed files are kept")
}

func TestPageWithDefectWithoutDefectID(t *testing.T) {
	f := newFixture(t, false)

	rr := uploadPage(t, f, upload.Metadata{"uploadType": "pageWithDefect", "correlation": "c3", "pageIndex": "1", "filetype": "image/png", "defectName": "ignored"})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	require.Len(t, f.docs.pages, 1)
	assert.Nil(t, f.docs.pages[0].page.Defect)
}

func TestPageUploadValidation(t *testing.T) {
	f := newFixture(t, false)
	cases := []struct {
		meta upload.Metadata
		want string
	}{
		{meta: upload.Metadata{"uploadType": "page", "pageIndex": "0", "filetype": "image/png"}, want: "No correlation in the request"},
		{meta: upload.Metadata{"uploadType": "page", "correlation": "c", "filetype": "image/png"}, want: "No page in the request"},
		{meta: upload.Metadata{"uploadType": "pageWithDefect", "correlation": "c", "pageIndex": "x", "filetype": "image/png"}, want: "No page in the request"},
		{meta: upload.Metadata{"uploadType": "page", "correlation": "c", "pageIndex": "0"}, want: "No filetype in the request"},
	}
	for _, tc := range cases {
		rr := tusCreate(t, f, tc.meta, 10)
		assert.Equal(t, http.StatusBadRequest, rr.Code, tc.want)
		assert.Contains(t, rr.Body.String(), tc.want)
		assert.Empty(t, rr.Header().Get("Location"))
	}
	assert.Zero(t, f.gateway.Sessions().Len())
}

func TestPageUploadSubmitFailureKeepsBlob(t *testing.T) {
	f := newFixture(t, false)
	f.docs.submitErr = errors.New("backend offline")

	rr := uploadPage(t, f, upload.Metadata{"uploadType": "page", "correlation": "c1", "pageIndex": "0", "filetype": "image/png"})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	entries, err := afero.ReadDir(f.fs, "upload")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
