package api

import (
	"net/http"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/keaconfig"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/jbweber/homelab/keaport/internal/topology"
)

// Topology groups read-only topology handlers for testability
type Topology struct {
	source TopologySource
}

func NewTopology(source TopologySource) *Topology {
	return &Topology{source: source}
}

// SubnetsResponse lists persisted subnets
type SubnetsResponse struct {
	Success bool            `json:"success"`
	Subnets []domain.Subnet `json:"subnets"`
}

// AvailableBvisResponse lists interfaces no subnet references
type AvailableBvisResponse struct {
	Success       bool                    `json:"success"`
	AvailableBvis []topology.AvailableBvi `json:"available_bvis"`
}

func (t *Topology) load(w http.ResponseWriter, r *http.Request) (topology.Snapshot, bool) {
	snap, err := snapshot(r.Context(), t.source)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to read topology")
		writeError(w, http.StatusInternalServerError, "failed to read topology")
		return topology.Snapshot{}, false
	}
	return snap, true
}

func (t *Topology) ListSubnetsHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := t.load(w, r)
	if !ok {
		return
	}
	subnets := snap.Subnets
	if subnets == nil {
		subnets = []domain.Subnet{}
	}
	writeJSON(w, http.StatusOK, SubnetsResponse{Success: true, Subnets: subnets})
}

func (t *Topology) AvailableBvisHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := t.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, AvailableBvisResponse{Success: true, AvailableBvis: topology.AvailableBvis(snap)})
}

// ExportHandler renders the persisted subnets as a Kea Dhcp6 configuration,
// annotated with switch names so a re-import suggests the same names.
func (t *Topology) ExportHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := t.load(w, r)
	if !ok {
		return
	}
	body, err := keaconfig.Export(snap.Subnets, snap.SwitchNames())
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to export configuration")
		writeError(w, http.StatusInternalServerError, "failed to export configuration")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="kea-dhcp6.conf"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Logger.Error().Err(err).Msg("failed to write export")
	}
}
