package models

import (
	"fmt"
	"strings"
	"time"
)

// DocumentMode classifies a scanned document.
type DocumentMode string

const (
	DocumentModeFoto DocumentMode = "foto"
	DocumentModeExam DocumentMode = "exam"
	DocumentModeDoc  DocumentMode = "doc"
)

// ParseDocumentMode accepts the modes mobile clients send, case-insensitively.
func ParseDocumentMode(value string) (DocumentMode, error) {
	switch mode := DocumentMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case DocumentModeFoto, DocumentModeExam, DocumentModeDoc:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown document mode %q", value)
	}
}

// DocumentFolder is a patient folder documents are filed into.
type DocumentFolder struct {
	ExternalID string `json:"externalId"`
	InternalID string `json:"internalId"`
	Name       string `json:"name"`
}

// Patient is the v1/v2 wire shape of a DocumentFolder.
type Patient struct {
	BID  string `json:"bid"`
	ZID  string `json:"zid"`
	Name string `json:"name"`
}

func (f DocumentFolder) Patient() Patient {
	return Patient{BID: f.ExternalID, ZID: f.InternalID, Name: f.Name}
}

type DocumentType struct {
	Type    string       `json:"type"`
	Mode    DocumentMode `json:"mode"`
	Display string       `json:"display"`
}

// DocumentSummary closes a multi-page document once all pages are submitted.
type DocumentSummary struct {
	FolderInternalID string       `json:"folderInternalId"`
	DocumentMode     DocumentMode `json:"documentMode"`
	DocumentType     string       `json:"documentType"`
	Pages            int          `json:"pages"`
	Datetime         time.Time    `json:"datetime"`
	Name             string       `json:"name"`
	Notes            string       `json:"notes"`
	User             string       `json:"user"`
}

// LargePage describes a page that arrived through a resumable upload.
type LargePage struct {
	FilePath    string
	ContentType string
	// DetectedType is the content type sniffed from the file itself.
	DetectedType string
}

// FolderDefect annotates a page with a body-part finding.
type FolderDefect struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BodyPartID string `json:"bodyPartId"`
}

// LargePageWithDefect is a LargePage carrying an optional defect annotation.
type LargePageWithDefect struct {
	LargePage
	Defect      *FolderDefect
	Description string
}

type BodyPart struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Coordinates [2]float64 `json:"coordinates"`
}

type BodyPartsView struct {
	ImageURL  string     `json:"imageUrl"`
	BodyParts []BodyPart `json:"bodyParts"`
}

// Metrics event types.
const (
	MetricsEventUpload = "upload"
	MetricsEventSearch = "search"
	MetricsEventDecode = "decode"
)

// MetricsEvent is a usage record emitted by the REST routes.
type MetricsEvent struct {
	Timestamp time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Version   int            `json:"version"`
	User      string         `json:"user"`
	Data      map[string]any `json:"data"`
}

// HealthLevel orders component health from best to worst.
type HealthLevel int

const (
	HealthOK HealthLevel = iota
	HealthWarning
	HealthError
)

func (l HealthLevel) String() string {
	switch l {
	case HealthOK:
		return "ok"
	case HealthWarning:
		return "warning"
	default:
		return "error"
	}
}

// HealthReport is what every storage and authenticator reports about itself.
type HealthReport struct {
	Level    HealthLevel `json:"level"`
	Messages []string    `json:"messages"`
}

// Healthy is the report of a component with nothing to say.
func Healthy() HealthReport {
	return HealthReport{Level: HealthOK, Messages: []string{}}
}
