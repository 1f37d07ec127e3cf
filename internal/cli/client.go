package cli

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/hexmesh/hexmesh/internal/config"
	"github.com/hexmesh/hexmesh/internal/protocol"
)

// controlCall performs one request/reply round trip on the hub's control
// channel. Commands like sessions and grid are one-shot; they dial, ask, and
// hang up.
func controlCall[T any](ctx context.Context, serverURL string, kind protocol.Kind, payload any) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, protocol.UITimeout)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, strings.TrimRight(serverURL, "/")+"/ws", nil)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrTransport, "dialing hub at %s: %v", serverURL, err)
	}
	defer ws.CloseNow()

	requestID := uuid.NewString()
	frame, err := protocol.Encode(kind, requestID, payload)
	if err != nil {
		return nil, err
	}
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return nil, protocol.Errorf(protocol.ErrTransport, "sending %s: %v", kind, err)
	}

	// Pushes can interleave with the reply; skip anything that is not ours.
	for {
		_, reply, err := ws.Read(ctx)
		if err != nil {
			return nil, protocol.Errorf(protocol.ErrTransport, "awaiting %s reply: %v", kind, err)
		}
		msg, err := protocol.Decode(reply)
		if err != nil || msg.RequestID != requestID {
			continue
		}
		var res protocol.Result
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			return nil, protocol.Errorf(protocol.ErrTransport, "malformed %s reply: %v", kind, err)
		}
		if !res.OK {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, protocol.Errorf(protocol.ErrProcess, "%s failed", kind)
		}
		var out T
		if len(res.Data) > 0 {
			if err := json.Unmarshal(res.Data, &out); err != nil {
				return nil, protocol.Errorf(protocol.ErrTransport, "decoding %s reply: %v", kind, err)
			}
		}
		return &out, nil
	}
}

// hubURL resolves the hub address for one-shot commands: flag, then env,
// then config.
func hubURL(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := strings.TrimSpace(os.Getenv("HEXMESH_SERVER_URL")); env != "" {
		return env, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return "ws://" + cfg.Listen, nil
}
