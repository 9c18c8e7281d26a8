package push

import (
	"encoding/json"

	"github.com/coralhq/coral/pkg/security"
	"github.com/coralhq/coral/pkg/types"
)

// Client frame types.
const (
	frameAuthentication = "authentication"
	frameSubscribe      = "subscribe"
)

// ClientFrame is one message from a WebSocket client.
type ClientFrame struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// AuthenticationData carries the expiring signature that opens a session.
type AuthenticationData struct {
	UserID      string             `json:"userId"`
	TenantAlias string             `json:"tenantAlias"`
	Signature   security.Signature `json:"signature"`
}

// StreamRef names one subscribable stream.
type StreamRef struct {
	ResourceID string `json:"resourceId"`
	StreamType string `json:"streamType"`
}

// SubscribeData asks for live delivery of one stream in one format.
type SubscribeData struct {
	Stream StreamRef `json:"stream"`
	Format string    `json:"format,omitempty"`
	Token  string    `json:"token,omitempty"`
}

// FrameError reports a failed client frame.
type FrameError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ServerFrame acknowledges a client frame. ReplyTo echoes the frame's id.
type ServerFrame struct {
	ReplyTo int64       `json:"replyTo"`
	Error   *FrameError `json:"error,omitempty"`
}

// StreamMessage is one live push to a subscribed client.
type StreamMessage struct {
	ResourceID       string           `json:"resourceId"`
	StreamType       string           `json:"streamType"`
	Format           string           `json:"format,omitempty"`
	Activities       []types.Activity `json:"activities"`
	NumNewActivities int              `json:"numNewActivities,omitempty"`
}

// busPayload travels on the pub/sub bus between processes.
type busPayload struct {
	Activities []types.Activity `json:"activities"`
	NumNew     int              `json:"numNew,omitempty"`
}
