package magnet

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"
)

// HTTPWrapper exposes a Backend over HTTP with JSON bodies.
type HTTPWrapper struct {
	b   Backend
	log logrus.FieldLogger
}

// NewHTTPWrapper returns an HTTP wrapper around b.
func NewHTTPWrapper(b Backend, log logrus.FieldLogger) HTTPWrapper {
	return HTTPWrapper{b: b, log: log}
}

// Bind attaches the backend's routes to r.
func (h HTTPWrapper) Bind(r chi.Router) {
	r.Get("/currents", h.getCurrents)
	r.Post("/currents", h.setCurrents)
	r.Get("/status", h.getStatus)
	r.Post("/field/enable", h.enableField)
	r.Post("/field/disable", h.disableField)
	r.Get("/demagnetization", h.getDemagnetization)
	r.Post("/demagnetization", h.setDemagnetization)
	r.Get("/max-current", h.getMaxCurrent)
	r.Get("/target-field", h.getTargetField)
	r.Post("/target-field", h.setTargetField)
}

func (h HTTPWrapper) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Error("encoding response")
	}
}

func (h HTTPWrapper) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, ErrCurrentLimit) {
		code = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), code)
}

func (h HTTPWrapper) getCurrents(w http.ResponseWriter, r *http.Request) {
	amps, err := h.b.Currents(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, struct {
		Currents []float64 `json:"currents"`
	}{amps})
}

func (h HTTPWrapper) setCurrents(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Currents []float64 `json:"currents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.b.SetCurrents(r.Context(), body.Currents); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) getStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, struct {
		Status string `json:"status"`
		Task   string `json:"task"`
	}{h.b.Status().String(), h.b.Task().String()})
}

func (h HTTPWrapper) enableField(w http.ResponseWriter, r *http.Request) {
	if err := h.b.EnableField(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) disableField(w http.ResponseWriter, r *http.Request) {
	if err := h.b.DisableField(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) getDemagnetization(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, struct {
		Enabled bool `json:"enabled"`
	}{h.b.Demagnetization()})
}

func (h HTTPWrapper) setDemagnetization(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.b.SetDemagnetization(body.Enabled)
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) getMaxCurrent(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, struct {
		Amps float64 `json:"amps"`
	}{h.b.MaxCurrent()})
}

func (h HTTPWrapper) getTargetField(w http.ResponseWriter, r *http.Request) {
	x, y, z := h.b.TargetField()
	mag, theta, phi := h.b.TargetFieldSpherical()
	h.writeJSON(w, struct {
		X         float64 `json:"x"`
		Y         float64 `json:"y"`
		Z         float64 `json:"z"`
		Magnitude float64 `json:"magnitude"`
		Theta     float64 `json:"theta"`
		Phi       float64 `json:"phi"`
	}{x, y, z, mag, theta, phi})
}

func (h HTTPWrapper) setTargetField(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Magnitude float64 `json:"magnitude"`
		Theta     float64 `json:"theta"`
		Phi       float64 `json:"phi"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.b.SetTargetField(body.Magnitude, body.Theta, body.Phi)
	w.WriteHeader(http.StatusOK)
}
