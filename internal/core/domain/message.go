package domain

import "encoding/json"

// MessageKind discriminates every envelope exchanged with the broker.
type MessageKind string

const (
	// client -> broker
	KindJoinRoom  MessageKind = "join-room"
	KindLeaveRoom MessageKind = "leave-room"
	KindSignal    MessageKind = "signal"
	KindChat      MessageKind = "chat"

	// broker -> client
	KindRoomJoined    MessageKind = "room-joined"
	KindPeerJoined    MessageKind = "peer-joined"
	KindPeerLeft      MessageKind = "peer-left"
	KindChatDelivered MessageKind = "chat-delivered"
	KindError         MessageKind = "error"
)

// Envelope is the wire unit between client and broker. Payload layout
// depends on Kind; the broker never inspects signal payloads.
type Envelope struct {
	Kind    MessageKind     `json:"kind"`
	From    ConnectionID    `json:"from,omitempty"`
	To      ConnectionID    `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinRoomPayload struct {
	RoomCode RoomCode `json:"room_code"`
}

type RoomJoinedPayload struct {
	RoomCode RoomCode     `json:"room_code"`
	Self     ConnectionID `json:"self"`
	Members  []Member     `json:"members"`
}

type PeerJoinedPayload struct {
	ConnectionID ConnectionID `json:"connection_id"`
	DisplayName  string       `json:"display_name,omitempty"`
}

type PeerLeftPayload struct {
	ConnectionID ConnectionID `json:"connection_id"`
}

type ChatPayload struct {
	Body        string `json:"body"`
	DisplayName string `json:"display_name,omitempty"`
}

type ChatDeliveredPayload struct {
	SenderID    ConnectionID `json:"sender_id"`
	DisplayName string       `json:"display_name,omitempty"`
	Body        string       `json:"body"`
	Timestamp   int64        `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SignalPayload is the connection-setup unit relayed point-to-point. Exactly
// one of Description or Candidate is set. Both are opaque to the broker; only
// the client-side session manager decodes them.
type SignalPayload struct {
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}
