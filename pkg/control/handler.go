package control

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/core-tools/hsu-keeper/pkg/domain"
	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/logging"

	"github.com/gorilla/mux"
)

// MaxArtifactSize bounds the body accepted by the update and config endpoints
const MaxArtifactSize = 64 << 20

// NewHandler exposes a domain.Contract over HTTP. metrics, when not nil, is served on /metrics.
func NewHandler(contract domain.Contract, metrics http.Handler, logger logging.Logger) http.Handler {
	h := &httpServerHandler{
		contract: contract,
		logger:   logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/workers/{name}/restart", h.RestartOne).Methods("POST")
	r.HandleFunc("/workers/{name}/update", h.UpdateAndRestart).Methods("POST")
	r.HandleFunc("/config", h.GetConfig).Methods("GET")
	r.HandleFunc("/config", h.ReloadConfig).Methods("PUT")
	r.HandleFunc("/config/restore/{tier}", h.RestoreConfig).Methods("POST")
	r.HandleFunc("/config/backups", h.ListBackups).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}
	return r
}

type httpServerHandler struct {
	contract domain.Contract
	logger   logging.Logger
}

func (h *httpServerHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.contract.QueryStatus(r.Context())
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		writeError(w, err)
		return
	}
	h.logger.Debugf("Status server handler done")
	writeJSON(w, http.StatusOK, status)
}

func (h *httpServerHandler) RestartOne(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.contract.RestartOne(r.Context(), name); err != nil {
		h.logger.Errorf("RestartOne server handler, name: %s: %v", name, err)
		writeError(w, err)
		return
	}
	h.logger.Debugf("RestartOne server handler done, name: %s", name)
	writeJSON(w, http.StatusOK, domain.OperationResult{Accepted: true})
}

func (h *httpServerHandler) UpdateAndRestart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	artifact, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.contract.UpdateAndRestart(r.Context(), name, artifact); err != nil {
		h.logger.Errorf("UpdateAndRestart server handler, name: %s: %v", name, err)
		writeError(w, err)
		return
	}
	h.logger.Debugf("UpdateAndRestart server handler done, name: %s, bytes: %d", name, len(artifact))
	writeJSON(w, http.StatusOK, domain.OperationResult{Accepted: true})
}

func (h *httpServerHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := h.contract.GetConfig(r.Context())
	if err != nil {
		h.logger.Errorf("GetConfig server handler: %v", err)
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (h *httpServerHandler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	message, err := h.contract.ReloadConfig(r.Context(), raw)
	if err != nil {
		h.logger.Errorf("ReloadConfig server handler: %v", err)
		writeError(w, err)
		return
	}
	h.logger.Debugf("ReloadConfig server handler done")
	writeJSON(w, http.StatusOK, domain.OperationResult{Accepted: true, Message: message})
}

func (h *httpServerHandler) RestoreConfig(w http.ResponseWriter, r *http.Request) {
	tier := mux.Vars(r)["tier"]
	message, err := h.contract.RestoreConfig(r.Context(), tier)
	if err != nil {
		h.logger.Errorf("RestoreConfig server handler, tier: %s: %v", tier, err)
		writeError(w, err)
		return
	}
	h.logger.Debugf("RestoreConfig server handler done, tier: %s", tier)
	writeJSON(w, http.StatusOK, domain.OperationResult{Accepted: true, Message: message})
}

func (h *httpServerHandler) ListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.contract.ListBackups(r.Context())
	if err != nil {
		h.logger.Errorf("ListBackups server handler: %v", err)
		writeError(w, err)
		return
	}
	if backups == nil {
		backups = []string{}
	}
	writeJSON(w, http.StatusOK, backups)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxArtifactSize))
	if err != nil {
		return nil, errors.NewValidationError("failed to read request body", err)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCodeOf(err), domain.OperationResult{
		Accepted: false,
		Kind:     string(errors.TypeOf(err)),
		Message:  err.Error(),
		Field:    errors.FieldOf(err),
	})
}

// StatusCodeOf maps a domain error onto an HTTP status code
func StatusCodeOf(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation, errors.ErrorTypeConfigParse, errors.ErrorTypeConfigValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
