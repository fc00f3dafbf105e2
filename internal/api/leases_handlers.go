package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jbweber/homelab/keaport/internal/leases"
	"github.com/jbweber/homelab/keaport/internal/log"
)

// LeaseImporter reconciles a lease dump into the DHCP server
type LeaseImporter interface {
	Import(ctx context.Context, r io.Reader, name string, opts leases.Options) (*leases.Result, error)
}

// Leases groups lease import handlers for testability
type Leases struct {
	importer LeaseImporter
}

func NewLeases(importer LeaseImporter) *Leases {
	return &Leases{importer: importer}
}

// LeaseImportResponse is returned by a processed lease import
type LeaseImportResponse struct {
	Success       bool              `json:"success"`
	Total         int               `json:"total"`
	Imported      int               `json:"imported"`
	Skipped       int               `json:"skipped"`
	Unmapped      int               `json:"unmapped"`
	Rejected      int               `json:"rejected"`
	SubnetMapping map[int64]int64   `json:"subnet_mapping"`
	SkipReasons   map[string]int    `json:"skip_reasons"`
	Errors        []leases.RowError `json:"errors"`
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "yes":
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// ImportHandler accepts a CSV or JSON lease file as the lease_file form
// field (or raw body) and writes the usable rows to Kea. auto_map remaps
// unknown subnet ids by pool containment.
func (l *Leases) ImportHandler(w http.ResponseWriter, r *http.Request) {
	if l.importer == nil {
		writeError(w, http.StatusServiceUnavailable, "kea is not configured")
		return
	}

	name, data, err := readUpload(w, r, "lease_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := leases.Options{AutoMap: parseFlag(r.FormValue("auto_map"))}

	res, err := l.importer.Import(r.Context(), bytes.NewReader(data), name, opts)
	if err != nil {
		if errors.Is(err, leases.ErrInvalidFormat) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Logger.Error().Err(err).Str("file", name).Msg("lease import failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, LeaseImportResponse{
		Success:       true,
		Total:         res.Total,
		Imported:      res.Imported,
		Skipped:       res.Skipped,
		Unmapped:      res.Unmapped,
		Rejected:      res.Rejected,
		SubnetMapping: res.SubnetMapping,
		SkipReasons:   res.SkipReasons,
		Errors:        res.Errors,
	})
}
