/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package control exposes the call session over a local HTTP API. It is the
// machine-facing surface a dialer UI (or curl) drives: one JSON endpoint per
// user action plus a server-sent-events stream of session events.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openphonic/callkit/calling"
	"github.com/openphonic/callkit/mediadev"
)

// Session is the slice of the call session the control API drives.
type Session interface {
	Status() calling.Status
	Route() calling.Route
	Muted() bool
	Peer() (name, id string)
	PeerState() (connection, ice string)
	ElapsedString() string
	LastError() error
	Dial(ctx context.Context, dest string) error
	Accept() error
	Decline()
	Hangup()
	ToggleMute() (bool, error)
	SwitchMicrophone(deviceID string) error
	SendDigit(digit rune) error
	On(event string, handler calling.EventHandler)
}

// DeviceLister enumerates capture devices for the microphones endpoint.
type DeviceLister interface {
	ListMicrophones() []mediadev.Device
}

// Handler serves the control API.
type Handler struct {
	session Session
	devices DeviceLister
	log     zerolog.Logger

	mu   sync.Mutex
	subs map[chan event]struct{}
}

type event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// NewHandler wires the control API to a session. devices may be nil; the
// microphones endpoint then returns an empty list.
func NewHandler(session Session, devices DeviceLister, log zerolog.Logger) *Handler {
	h := &Handler{
		session: session,
		devices: devices,
		log:     log,
		subs:    make(map[chan event]struct{}),
	}
	for _, name := range []string{
		calling.EventStatusChange,
		calling.EventIncoming,
		calling.EventMuteChange,
		calling.EventError,
	} {
		name := name
		session.On(name, func(data interface{}) { h.publish(name, data) })
	}
	return h
}

// NewRouter builds the chi router for the control API.
func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", h.handleStatus)
	r.Get("/microphones", h.handleMicrophones)
	r.Get("/events", h.handleEvents)

	r.Post("/dial", h.handleDial)
	r.Post("/answer", h.handleAnswer)
	r.Post("/decline", h.handleDecline)
	r.Post("/hangup", h.handleHangup)
	r.Post("/mute", h.handleMute)
	r.Post("/digit", h.handleDigit)
	r.Post("/microphone", h.handleMicrophone)

	return r
}

type statusResponse struct {
	Status          string `json:"status"`
	Route           string `json:"route,omitempty"`
	Muted           bool   `json:"muted"`
	PeerName        string `json:"peerName,omitempty"`
	PeerID          string `json:"peerId,omitempty"`
	Elapsed         string `json:"elapsed"`
	ConnectionState string `json:"connectionState"`
	ICEState        string `json:"iceState"`
	Error           string `json:"error,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	peerName, peerID := h.session.Peer()
	conn, ice := h.session.PeerState()
	resp := statusResponse{
		Status:          h.session.Status().String(),
		Route:           h.session.Route().String(),
		Muted:           h.session.Muted(),
		PeerName:        peerName,
		PeerID:          peerID,
		Elapsed:         h.session.ElapsedString(),
		ConnectionState: conn,
		ICEState:        ice,
	}
	if err := h.session.LastError(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMicrophones(w http.ResponseWriter, r *http.Request) {
	type mic struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}
	mics := []mic{}
	if h.devices != nil {
		for _, d := range h.devices.ListMicrophones() {
			mics = append(mics, mic{ID: d.ID, Label: d.DisplayName()})
		}
	}
	writeJSON(w, http.StatusOK, mics)
}

func (h *Handler) handleDial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Destination string `json:"destination"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Destination == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing destination"))
		return
	}
	if err := h.session.Dial(r.Context(), req.Destination); err != nil {
		writeError(w, actionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": h.session.Status().String()})
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Accept(); err != nil {
		writeError(w, actionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": h.session.Status().String()})
}

func (h *Handler) handleDecline(w http.ResponseWriter, r *http.Request) {
	h.session.Decline()
	writeJSON(w, http.StatusOK, map[string]string{"status": h.session.Status().String()})
}

func (h *Handler) handleHangup(w http.ResponseWriter, r *http.Request) {
	h.session.Hangup()
	writeJSON(w, http.StatusOK, map[string]string{"status": h.session.Status().String()})
}

func (h *Handler) handleMute(w http.ResponseWriter, r *http.Request) {
	muted, err := h.session.ToggleMute()
	if err != nil {
		writeError(w, actionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

func (h *Handler) handleDigit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Digit string `json:"digit"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Digit) != 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("digit must be a single character"))
		return
	}
	if err := h.session.SendDigit(rune(req.Digit[0])); err != nil {
		writeError(w, actionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"digit": req.Digit})
}

func (h *Handler) handleMicrophone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.session.SwitchMicrophone(req.DeviceID); err != nil {
		writeError(w, actionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deviceId": req.DeviceID})
}

// handleEvents streams session events as server-sent events until the client
// disconnects.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.subscribe()
	defer h.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev := <-sub:
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Debug().Err(err).Msg("event marshal failed")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) subscribe() chan event {
	ch := make(chan event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Handler) unsubscribe(ch chan event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// publish fans an event out to all subscribers. Slow subscribers drop events
// rather than block the session.
func (h *Handler) publish(name string, data interface{}) {
	ev := event{Event: name, Data: normalizeEventData(data)}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// normalizeEventData converts event payloads to JSON-friendly values.
func normalizeEventData(data interface{}) interface{} {
	switch v := data.(type) {
	case calling.Status:
		return v.String()
	case error:
		return v.Error()
	default:
		return data
	}
}

func actionStatus(err error) int {
	switch {
	case errors.Is(err, calling.ErrBusy), errors.Is(err, calling.ErrNoCall):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	return true
}
