package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/model"
)

// method names carried in every envelope.
const (
	methodGetInfo   = "GetReplicationEndpointInfo"
	methodRead      = "ReplicationRead"
	methodSyncRecov = "SynchronizeRecovery"
)

// envelope is the single wire message shape for every request/response
// exchange over a websocket connection, extended with correlation IDs for
// request/response semantics. WSServer can serve several envelopes on one
// connection; WSClient sends one per connection.
type envelope struct {
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"err,omitempty"`
	// ErrKind lets the client reconstruct a sentinel error instead of a
	// plain string, so callers can classify failures (e.g. version gate
	// vs. unreachable).
	ErrKind string `json:"err_kind,omitempty"`
}

const (
	errKindIncompatible = "incompatible_version"
)

// WSServer accepts inbound peer connections and dispatches envelopes to a
// PeerServer (the local Acceptor).
type WSServer struct {
	server PeerServer
	logger zerolog.Logger
}

// NewWSServer wraps server for use as an http.Handler.
func NewWSServer(server PeerServer, logger zerolog.Logger) *WSServer {
	return &WSServer{server: server, logger: logger.With().Str("component", "transport-ws-server").Logger()}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Err(err).Msg("accept peer connection")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		var env envelope
		if err := readJSON(ctx, conn, &env); err != nil {
			return
		}
		go s.handle(ctx, conn, env)
	}
}

func (s *WSServer) handle(ctx context.Context, conn *websocket.Conn, req envelope) {
	resp := envelope{ID: req.ID}

	switch req.Method {
	case methodGetInfo:
		info, err := s.server.HandleGetReplicationEndpointInfo(ctx)
		if err != nil {
			resp.Err = err.Error()
		} else {
			data, _ := json.Marshal(info)
			resp.Payload = data
		}
	case methodRead:
		var rr ReadRequest
		if err := json.Unmarshal(req.Payload, &rr); err != nil {
			resp.Err = err.Error()
			break
		}
		out, err := s.server.HandleReplicationRead(ctx, rr)
		if err != nil {
			resp.Err = err.Error()
			if err == ErrIncompatibleVersion {
				resp.ErrKind = errKindIncompatible
			}
		} else {
			data, _ := json.Marshal(out)
			resp.Payload = data
		}
	case methodSyncRecov:
		var info model.ReplicationEndpointInfo
		if err := json.Unmarshal(req.Payload, &info); err != nil {
			resp.Err = err.Error()
			break
		}
		out, err := s.server.HandleSynchronizeRecovery(ctx, info)
		if err != nil {
			resp.Err = err.Error()
		} else {
			data, _ := json.Marshal(out)
			resp.Payload = data
		}
	default:
		resp.Err = fmt.Sprintf("unknown method %q", req.Method)
	}

	_ = writeJSON(ctx, conn, resp)
}

// WSClient is a PeerClient that dials a peer address and issues one request
// per call over a short-lived websocket connection. Short-lived connections
// keep the client simple (no persistent reconnect/backoff state machine);
// the Replicator/Connector already retry on their own schedule (retry_delay)
// so a fresh dial per request does not add an extra failure mode.
type WSClient struct {
	dialTimeout time.Duration
}

// NewWSClient creates a client with the given per-dial timeout.
func NewWSClient(dialTimeout time.Duration) *WSClient {
	return &WSClient{dialTimeout: dialTimeout}
}

func (c *WSClient) call(ctx context.Context, addr model.PeerAddress, method string, payload any) (envelope, error) {
	url := fmt.Sprintf("ws://%s:%d", addr.Host, addr.Port)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.CloseNow()

	data, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, err
	}
	req := envelope{ID: fmt.Sprintf("%p-%d", addr, time.Now().UnixNano()), Method: method, Payload: data}
	if err := writeJSON(ctx, conn, req); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var resp envelope
	if err := readJSON(ctx, conn, &resp); err != nil {
		if ctx.Err() != nil {
			return envelope{}, ErrReadTimeout
		}
		return envelope{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	return resp, nil
}

func (c *WSClient) GetReplicationEndpointInfo(ctx context.Context, addr model.PeerAddress) (model.ReplicationEndpointInfo, error) {
	resp, err := c.call(ctx, addr, methodGetInfo, struct{}{})
	if err != nil {
		return model.ReplicationEndpointInfo{}, err
	}
	if resp.Err != "" {
		return model.ReplicationEndpointInfo{}, fmt.Errorf("%s", resp.Err)
	}
	var info model.ReplicationEndpointInfo
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		return model.ReplicationEndpointInfo{}, err
	}
	return info, nil
}

func (c *WSClient) ReplicationRead(ctx context.Context, addr model.PeerAddress, req ReadRequest) (ReadResponse, error) {
	resp, err := c.call(ctx, addr, methodRead, req)
	if err != nil {
		return ReadResponse{}, err
	}
	if resp.Err != "" {
		if resp.ErrKind == errKindIncompatible {
			return ReadResponse{}, ErrIncompatibleVersion
		}
		return ReadResponse{}, fmt.Errorf("%s", resp.Err)
	}
	var out ReadResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return ReadResponse{}, err
	}
	return out, nil
}

func (c *WSClient) SynchronizeRecovery(ctx context.Context, addr model.PeerAddress, selfInfo model.ReplicationEndpointInfo) (model.ReplicationEndpointInfo, error) {
	resp, err := c.call(ctx, addr, methodSyncRecov, selfInfo)
	if err != nil {
		return model.ReplicationEndpointInfo{}, err
	}
	if resp.Err != "" {
		return model.ReplicationEndpointInfo{}, fmt.Errorf("%s", resp.Err)
	}
	var out model.ReplicationEndpointInfo
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return model.ReplicationEndpointInfo{}, err
	}
	return out, nil
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var (
	_ PeerClient = (*WSClient)(nil)
	_ http.Handler = (*WSServer)(nil)
)
