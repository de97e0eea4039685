package server

import (
	"encoding/json"
	"net/http"

	"github.com/jfoltran/replicore/internal/daemon"
)

type endpointHandlers struct {
	endpoints *daemon.EndpointManager
}

func (eh *endpointHandlers) recover(w http.ResponseWriter, r *http.Request) {
	var payload daemon.RecoverPayload
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	if err := eh.endpoints.Recover(r.Context()); err != nil {
		writeActionResponse(w, http.StatusConflict, daemon.ActionResponse{Error: err.Error()})
		return
	}
	writeActionResponse(w, http.StatusAccepted, daemon.ActionResponse{OK: true, Message: "recovery completed"})
}

func (eh *endpointHandlers) delete(w http.ResponseWriter, r *http.Request) {
	var payload daemon.DeletePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeActionResponse(w, http.StatusBadRequest, daemon.ActionResponse{
			Error: "invalid request body: " + err.Error(),
		})
		return
	}
	if payload.LogName == "" {
		writeActionResponse(w, http.StatusBadRequest, daemon.ActionResponse{Error: "log_name is required"})
		return
	}

	watermark, err := eh.endpoints.Delete(r.Context(), payload.LogName, payload.ToSeq, payload.RemoteEndpointIDs)
	if err != nil {
		writeActionResponse(w, http.StatusInternalServerError, daemon.ActionResponse{Error: err.Error()})
		return
	}
	writeActionResponse(w, http.StatusOK, daemon.ActionResponse{
		OK:      true,
		Message: "delete watermark advanced",
	}, "watermark", watermark)
}

func (eh *endpointHandlers) state(w http.ResponseWriter, r *http.Request) {
	ep := eh.endpoints.Endpoint()
	resp := map[string]any{
		"state": ep.State().String(),
	}
	if err := eh.endpoints.LastError(); err != nil {
		resp["last_error"] = err.Error()
	}
	writeJSON(w, resp)
}

func writeActionResponse(w http.ResponseWriter, status int, resp daemon.ActionResponse, extra ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)

	if len(extra) == 0 {
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
		return
	}

	body := map[string]any{"ok": resp.OK, "message": resp.Message, "error": resp.Error}
	for i := 0; i+1 < len(extra); i += 2 {
		if key, ok := extra[i].(string); ok {
			body[key] = extra[i+1]
		}
	}
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
