package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ayusman/ppecheck/internal/config"
	"github.com/ayusman/ppecheck/internal/log"
	"github.com/ayusman/ppecheck/internal/store"
)

// Settings are the user-editable settings.
type Settings struct {
	BackendURL string `json:"backend_url"`
	CameraID   int    `json:"camera_id"`
}

type updateSettingsRequest struct {
	BackendURL *string `json:"backend_url"`
	CameraID   *int    `json:"camera_id"`
}

// SettingsHandler handles GET, PUT and DELETE /api/settings. DELETE drops the
// stored values so the defaults apply again.
type SettingsHandler struct {
	store    *store.Store
	defaults config.Config
	onChange func(Settings)
}

// NewSettingsHandler creates a SettingsHandler. defaults supplies values for
// keys that were never stored; onChange, if set, receives the effective
// settings after every successful update.
func NewSettingsHandler(s *store.Store, defaults config.Config, onChange func(Settings)) *SettingsHandler {
	return &SettingsHandler{store: s, defaults: defaults, onChange: onChange}
}

// ServeHTTP implements the http.Handler interface.
func (h *SettingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPut:
		h.update(w, r)
	case http.MethodDelete:
		h.reset(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// effective returns the defaults overlaid with stored settings.
func (h *SettingsHandler) effective() (Settings, error) {
	all, err := h.store.Settings().All()
	if err != nil {
		return Settings{}, err
	}

	cfg := h.defaults
	if err := cfg.ApplySettings(all); err != nil {
		return Settings{}, err
	}
	return Settings{BackendURL: cfg.BackendURL, CameraID: cfg.CameraID}, nil
}

func (h *SettingsHandler) get(w http.ResponseWriter, r *http.Request) {
	settings, err := h.effective()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *SettingsHandler) update(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	updates := make(map[string]string)
	if req.BackendURL != nil {
		u, err := config.NormalizeBackendURL(*req.BackendURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updates[store.KeyBackendURL] = u
	}
	if req.CameraID != nil {
		if *req.CameraID < 0 {
			writeError(w, http.StatusBadRequest, "camera_id must not be negative")
			return
		}
		updates[store.KeyCameraID] = strconv.Itoa(*req.CameraID)
	}

	repo := h.store.Settings()
	for key, value := range updates {
		if err := repo.Set(key, value); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
	}

	settings, err := h.effective()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	if len(updates) > 0 {
		log.Info("settings updated", "backend_url", settings.BackendURL, "camera_id", settings.CameraID)
		if h.onChange != nil {
			h.onChange(settings)
		}
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *SettingsHandler) reset(w http.ResponseWriter, r *http.Request) {
	repo := h.store.Settings()
	removed := 0
	for _, key := range []string{store.KeyBackendURL, store.KeyCameraID} {
		err := repo.Delete(key)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, store.ErrNotFound):
		default:
			writeError(w, http.StatusInternalServerError, "Failed to reset settings")
			return
		}
	}

	settings, err := h.effective()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	if removed > 0 {
		log.Info("settings reset", "backend_url", settings.BackendURL, "camera_id", settings.CameraID)
		if h.onChange != nil {
			h.onChange(settings)
		}
	}
	writeJSON(w, http.StatusOK, settings)
}
