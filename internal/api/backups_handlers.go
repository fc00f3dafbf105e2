package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jbweber/homelab/keaport/internal/backup"
	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/jbweber/homelab/keaport/internal/repository"
)

// BackupService takes, lists and restores topology snapshots
type BackupService interface {
	List(ctx context.Context, server string) ([]domain.Backup, error)
	Snapshot(ctx context.Context, server, operation, actor string) (domain.Backup, error)
	RestoreWithUndo(ctx context.Context, id int64, server, actor string) (domain.Backup, error)
}

// Backups groups backup handlers for testability
type Backups struct {
	service BackupService
	server  string
}

func NewBackups(service BackupService, server string) *Backups {
	return &Backups{service: service, server: server}
}

// BackupsResponse lists backups without payloads
type BackupsResponse struct {
	Success bool            `json:"success"`
	Backups []domain.Backup `json:"backups"`
}

// BackupResponse describes one backup
type BackupResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Backup  domain.Backup `json:"backup"`
}

// ListBackupsHandler lists backups of this server, or of the server named
// by the server query parameter ("*" for all), newest first.
func (b *Backups) ListBackupsHandler(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")
	switch server {
	case "":
		server = b.server
	case "*":
		server = ""
	}

	list, err := b.service.List(r.Context(), server)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to list backups")
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	if list == nil {
		list = []domain.Backup{}
	}
	writeJSON(w, http.StatusOK, BackupsResponse{Success: true, Backups: list})
}

// CreateBackupHandler takes a manual snapshot
func (b *Backups) CreateBackupHandler(w http.ResponseWriter, r *http.Request) {
	backup, err := b.service.Snapshot(r.Context(), b.server, backup.OperationManual, actorFor(r))
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to create backup")
		writeError(w, http.StatusInternalServerError, "failed to create backup")
		return
	}
	backup.Payload = nil
	writeJSON(w, http.StatusCreated, BackupResponse{Success: true, Backup: backup})
}

// RestoreBackupHandler replaces the topology with backup {id}. The current
// topology is snapshotted first so the restore can itself be undone.
func (b *Backups) RestoreBackupHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid backup id")
		return
	}

	undo, err := b.service.RestoreWithUndo(r.Context(), id, b.server, actorFor(r))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "backup not found")
			return
		}
		log.Logger.Error().Err(err).Int64("backup_id", id).Msg("restore failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	undo.Payload = nil
	writeJSON(w, http.StatusOK, BackupResponse{
		Success: true,
		Message: "restored backup " + strconv.FormatInt(id, 10),
		Backup:  undo,
	})
}
