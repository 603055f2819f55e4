package webui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mzyy94/saturnlink/internal/config"
	"github.com/mzyy94/saturnlink/internal/engine"
	"github.com/mzyy94/saturnlink/internal/registry"
)

// Controller is the printer session driven by the API.
type Controller interface {
	State() (engine.State, error)
	Connect(ctx context.Context, address string) error
	UploadAndPrint(ctx context.Context, path string, autoStart bool) error
	PrintExisting(filename string) error
	Subscribe() *engine.Subscription
}

// DeviceLister lists known printers.
type DeviceLister interface {
	List() ([]registry.Record, error)
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

type handler struct {
	ctrl     Controller
	devices  DeviceLister // nil when no registry is open
	settings *config.Store
	upgrader websocket.Upgrader
}

// NewHandler creates the HTTP handler for the control API.
func NewHandler(ctrl Controller, devices DeviceLister, settings *config.Store) http.Handler {
	if settings == nil {
		settings = config.NewMemoryStore()
	}
	h := &handler{
		ctrl:     ctrl,
		devices:  devices,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/devices", h.handleDevices)
	mux.HandleFunc("POST /api/connect", h.handleConnect)
	mux.HandleFunc("POST /api/upload", h.handleUpload)
	mux.HandleFunc("POST /api/print", h.handlePrint)
	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	mux.HandleFunc("GET /api/events", h.handleEvents)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

// writeEngineError maps engine errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrDisconnected):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.State()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	recs := []registry.Record{}
	if h.devices != nil {
		list, err := h.devices.List()
		if err != nil {
			slog.Warn("list devices failed", "err", err)
			http.Error(w, "failed to list devices", http.StatusInternalServerError)
			return
		}
		recs = append(recs, list...)
	}
	writeJSON(w, http.StatusOK, recs)
}

type connectRequest struct {
	Address string `json:"address"`
}

func (h *handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Address == "" {
		req.Address = h.settings.Get().LastPrinter
	}
	if req.Address == "" {
		http.Error(w, "address required", http.StatusBadRequest)
		return
	}
	if err := h.ctrl.Connect(r.Context(), req.Address); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := h.settings.SetLastPrinter(req.Address); err != nil {
		slog.Warn("settings save failed", "err", err)
	}
	h.handleStatus(w, r)
}

type uploadRequest struct {
	Path      string `json:"path"`
	AutoPrint *bool  `json:"autoPrint"` // nil uses the stored default
}

func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	auto := h.settings.Get().AutoPrint
	if req.AutoPrint != nil {
		auto = *req.AutoPrint
	}
	if err := h.ctrl.UploadAndPrint(r.Context(), req.Path, auto); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"path": req.Path, "autoPrint": auto})
}

type printRequest struct {
	Filename string `json:"filename"`
}

func (h *handler) handlePrint(w http.ResponseWriter, r *http.Request) {
	var req printRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.ctrl.PrintExisting(req.Filename); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

// --- Settings API ---

func (h *handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Get())
}

func (h *handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.settings.Update(s); err != nil {
		slog.Warn("settings save failed", "err", err)
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.settings.Get())
}
