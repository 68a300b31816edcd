package signaling

import (
	"encoding/json"
)

// Envelope is the unit carried by the control channel, one per websocket
// text frame.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request kinds.
const (
	KindJoin             = "join"
	KindCreateTransport  = "createTransport"
	KindConnectTransport = "connectTransport"
	KindProduce          = "produce"
	KindConsume          = "consume"
	KindResumeConsumer   = "resumeConsumer"
	KindGetProducers     = "getProducers"
)

// Response kinds.
const (
	KindJoined             = "joined"
	KindTransportCreated   = "transportCreated"
	KindTransportConnected = "transportConnected"
	KindProduced           = "produced"
	KindConsumed           = "consumed"
	KindConsumerResumed    = "consumerResumed"
	KindProducers          = "producers"
)

// One-way notifications sent by the client.
const (
	KindCloseProducer   = "closeProducer"
	KindRequestKeyframe = "requestKeyframe"
	KindLeave           = "leave"
)

// Push events sent by the router.
const (
	KindNewProducer    = "newProducer"
	KindPeerJoined     = "peerJoined"
	KindPeerLeft       = "peerLeft"
	KindProducerClosed = "producerClosed"
	KindError          = "error"
)

var responseKinds = map[string]string{
	KindJoin:             KindJoined,
	KindCreateTransport:  KindTransportCreated,
	KindConnectTransport: KindTransportConnected,
	KindProduce:          KindProduced,
	KindConsume:          KindConsumed,
	KindResumeConsumer:   KindConsumerResumed,
	KindGetProducers:     KindProducers,
}

// ResponseKind returns the kind of the message that answers a request of the
// given kind. Kinds missing from the table are answered by a message of the
// same name.
func ResponseKind(requestKind string) string {
	if kind, ok := responseKinds[requestKind]; ok {
		return kind
	}
	return requestKind
}

// JoinRequest opens the session.
type JoinRequest struct {
	PeerID          string `json:"peerId"`
	RoomID          string `json:"roomId"`
	Name            string `json:"name,omitempty"`
	Role            Role   `json:"role"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

// JoinResponse carries the router capability descriptor. A join without
// capabilities is a failed join.
type JoinResponse struct {
	PeerID                string          `json:"peerId,omitempty"`
	RouterRtpCapabilities json.RawMessage `json:"routerRtpCapabilities,omitempty"`
	Peers                 []PeerInfo      `json:"peers,omitempty"`
}

// PeerInfo describes another participant.
type PeerInfo struct {
	PeerID        string `json:"peerId"`
	Name          string `json:"name,omitempty"`
	IsTeacherRole bool   `json:"isTeacherRole"`
}

type CreateTransportRequest struct {
	Direction Direction `json:"direction"`
}

// TransportInfo is what the router returns for a new transport. SDP carries
// the router's offer when it negotiates the transport through SDP.
type TransportInfo struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters,omitempty"`
	IceCandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
	SDP            string          `json:"sdp,omitempty"`
}

type ConnectTransportRequest struct {
	TransportID    string          `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters,omitempty"`
	SDP            string          `json:"sdp,omitempty"`
}

type ProduceRequest struct {
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters,omitempty"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
}

type ConsumeResponse struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters,omitempty"`
	// SSRC identifies the consumer's stream on the receive transport.
	SSRC uint32 `json:"ssrc,omitempty"`
}

type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type ProducersResponse struct {
	Producers []ProducerInfo `json:"producers"`
}

type ProducerInfo struct {
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
	PeerID     string `json:"peerId,omitempty"`
}

type CloseProducerNotice struct {
	ProducerID string `json:"producerId"`
}

type KeyframeRequest struct {
	ConsumerID string `json:"consumerId"`
}

type LeaveNotice struct {
	PeerID string `json:"peerId"`
}

type NewProducerEvent struct {
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
	PeerID     string `json:"peerId,omitempty"`
}

type PeerJoinedEvent struct {
	PeerID        string `json:"peerId"`
	Name          string `json:"name"`
	IsTeacherRole bool   `json:"isTeacherRole"`
}

type PeerLeftEvent struct {
	PeerID         string `json:"peerId"`
	WasTeacherRole bool   `json:"wasTeacherRole"`
}

type ProducerClosedEvent struct {
	ProducerID string `json:"producerId"`
}

// ErrorEvent is pushed by the router. RequestKind, when set, names the request
// the router refused.
type ErrorEvent struct {
	Message     string `json:"message"`
	RequestKind string `json:"requestKind,omitempty"`
}
