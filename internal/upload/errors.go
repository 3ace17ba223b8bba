package upload

import (
	"errors"
	"net/http"
)

// protocolError is an error with the HTTP status it is reported with.
type protocolError struct {
	status  int
	message string
}

func (e protocolError) Error() string {
	return e.message
}

var (
	errUnsupportedVersion  = protocolError{http.StatusPreconditionFailed, "unsupported tus version"}
	errInvalidUploadLength = protocolError{http.StatusBadRequest, "missing or invalid Upload-Length header"}
	errSizeExceeded        = protocolError{http.StatusRequestEntityTooLarge, "upload exceeds maximum size"}
	errMissingMetadata     = protocolError{http.StatusBadRequest, "missing metadata"}
	errInvalidContentType  = protocolError{http.StatusUnsupportedMediaType, "missing or invalid Content-Type header"}
	errInvalidOffset       = protocolError{http.StatusBadRequest, "missing or invalid Upload-Offset header"}
	errChunkTooLarge       = protocolError{http.StatusRequestEntityTooLarge, "chunk exceeds remaining upload length"}
	errNotFound            = protocolError{http.StatusNotFound, "upload not found"}
	errMethodNotAllowed    = protocolError{http.StatusMethodNotAllowed, "method not allowed"}
	errCompletionFailed    = protocolError{http.StatusInternalServerError, "upload received but could not be processed"}
	errInternal            = protocolError{http.StatusInternalServerError, "internal server error"}
)

// classify maps an error from the session layer onto the status and message
// sent to the client. Unexpected errors never leak their text.
func classify(err error) protocolError {
	var (
		proto      protocolError
		rejected   *RejectedError
		completion *CompletionError
	)
	switch {
	case errors.As(err, &proto):
		return proto
	case errors.As(err, &completion):
		return errCompletionFailed
	case errors.Is(err, ErrHandlerPanic):
		return errInternal
	case errors.Is(err, ErrMalformedMetadata):
		return protocolError{http.StatusBadRequest, err.Error()}
	case errors.As(err, &rejected):
		return protocolError{http.StatusBadRequest, rejected.Err.Error()}
	case errors.Is(err, ErrInvalidTotalLength):
		return errInvalidUploadLength
	case errors.Is(err, ErrUnknownSession):
		return errNotFound
	case errors.Is(err, ErrOffsetMismatch):
		return protocolError{http.StatusConflict, "Upload-Offset does not match the current offset"}
	case errors.Is(err, ErrAlreadyComplete):
		return protocolError{http.StatusBadRequest, "upload already complete"}
	default:
		return errInternal
	}
}
