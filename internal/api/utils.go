package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/jbweber/homelab/keaport/internal/log"
)

// MaxUploadSize bounds configuration and lease uploads.
const MaxUploadSize = 32 << 20

var errEmptyUpload = errors.New("upload is empty")

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Message: message})
}

// extractClientIP extracts the client IP from the request, preferring the
// first X-Forwarded-For entry over RemoteAddr.
func extractClientIP(r *http.Request) (string, error) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first), nil
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", fmt.Errorf("unable to parse remote address: %w", err)
	}
	return ip, nil
}

// actorFor names who made the request for backups and sessions. An
// authenticating proxy sets X-Remote-User; otherwise the client address is
// used.
func actorFor(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get("X-Remote-User")); user != "" {
		return user
	}
	ip, err := extractClientIP(r)
	if err != nil {
		return "unknown"
	}
	return ip
}

// readUpload returns the named multipart file field, or the raw body when
// the request is not multipart. The file name falls back to the filename
// query parameter.
func readUpload(w http.ResponseWriter, r *http.Request, field string) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

	var (
		name string
		data []byte
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
			return "", nil, fmt.Errorf("failed to parse form: %w", err)
		}
		file, header, err := r.FormFile(field)
		if err != nil {
			return "", nil, fmt.Errorf("missing %s: %w", field, err)
		}
		defer file.Close()
		name = header.Filename
		data, err = io.ReadAll(file)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read %s: %w", field, err)
		}
	} else {
		name = r.URL.Query().Get("filename")
		data, err = io.ReadAll(r.Body)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read body: %w", err)
		}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return "", nil, errEmptyUpload
	}
	return name, data, nil
}
