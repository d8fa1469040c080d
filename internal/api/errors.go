package api

import (
	"errors"
	"net/http"

	"github.com/dunamismax/scenejobs/internal/domain"
	"github.com/dunamismax/scenejobs/internal/store"
)

const (
	codeJobNotFound     = "JOB_NOT_FOUND"
	codeInvalidArgument = "INVALID_ARGUMENT"
	codeLockTimeout     = "LOCK_TIMEOUT"
	codeStorageError    = "STORAGE_ERROR"
	codeInternal        = "INTERNAL_ERROR"
	codeRateLimited     = "RATE_LIMITED"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeStoreError maps store failures onto HTTP responses. Lock timeouts
// are reported as 503 with Retry-After since the caller may simply retry.
func (s *Server) writeStoreError(w http.ResponseWriter, op, jobID string, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, codeJobNotFound, "job not found")
	case errors.Is(err, store.ErrDecode):
		s.logger.Printf("%s storage fault job_id=%s err=%v", op, jobID, err)
		writeError(w, http.StatusInternalServerError, codeStorageError, "stored job data is unreadable")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, codeInvalidArgument, err.Error())
	case errors.Is(err, store.ErrLockTimeout):
		s.logger.Printf("%s lock timeout job_id=%s err=%v", op, jobID, err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, codeLockTimeout, "job store is busy, retry shortly")
	default:
		s.logger.Printf("%s failed job_id=%s err=%v", op, jobID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Unexpected server error")
	}
}
