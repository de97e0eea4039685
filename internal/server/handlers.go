package server

import (
	"encoding/json"
	"net/http"

	"github.com/jfoltran/replicore/internal/config"
	"github.com/jfoltran/replicore/internal/metrics"
)

type handlers struct {
	collector *metrics.Collector
	cfg       *config.Config
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, snap)
}

func (h *handlers) links(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, snap.Links)
}

func (h *handlers) configHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil {
		writeJSON(w, map[string]string{"error": "no config available"})
		return
	}
	redacted := struct {
		EndpointID         string   `json:"endpoint_id"`
		Connections        []string `json:"connections"`
		ApplicationName    string   `json:"application_name"`
		ApplicationVersion string   `json:"application_version"`
		Postgres           redactedDB `json:"postgres"`
	}{
		EndpointID:         h.cfg.EndpointID,
		Connections:        h.cfg.Connections,
		ApplicationName:    h.cfg.ApplicationName,
		ApplicationVersion: h.cfg.ApplicationVersion.String(),
		Postgres:           redactDB(h.cfg.Postgres),
	}
	writeJSON(w, redacted)
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	entries := h.collector.Logs()
	writeJSON(w, entries)
}

type redactedDB struct {
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
	User   string `json:"user"`
	DBName string `json:"dbname"`
}

func redactDB(d config.DatabaseConfig) redactedDB {
	return redactedDB{
		Host:   d.Host,
		Port:   d.Port,
		User:   d.User,
		DBName: d.DBName,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
