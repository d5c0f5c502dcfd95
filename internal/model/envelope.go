package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	TypeIdentity            = "kdeconnect.identity"
	TypeNotification        = "kdeconnect.notification"
	TypeNotificationAction  = "kdeconnect.notification.action"
	TypeNotificationReply   = "kdeconnect.notification.reply"
	TypeNotificationRequest = "kdeconnect.notification.request"
)

// Kind is the closed set of packet types this agent knows how to route.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotification
	KindNotificationAction
	KindNotificationReply
	KindNotificationRequest
)

var kindByType = map[string]Kind{
	TypeNotification:        KindNotification,
	TypeNotificationAction:  KindNotificationAction,
	TypeNotificationReply:   KindNotificationReply,
	TypeNotificationRequest: KindNotificationRequest,
}

// KindOf maps every packet type to a Kind; unrecognized types map to KindUnknown.
func KindOf(packetType string) Kind {
	if k, ok := kindByType[packetType]; ok {
		return k
	}
	return KindUnknown
}

func (k Kind) String() string {
	for t, kk := range kindByType {
		if kk == k {
			return t
		}
	}
	return "unknown"
}

// PayloadDescriptor announces a follow-on binary stream for a packet.
type PayloadDescriptor struct {
	Size         int64
	TransferInfo map[string]any
}

// Packet is transport-agnostic framing for everything exchanged with the peer.
// Body keys are defined per Type; readers ignore keys they do not know.
type Packet struct {
	ID      int64
	Type    string
	Body    map[string]any
	Payload *PayloadDescriptor
}

type wirePacket struct {
	ID                  int64          `json:"id"`
	Type                string         `json:"type"`
	Body                map[string]any `json:"body"`
	PayloadSize         int64          `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo,omitempty"`
}

func NewPacket(packetType string, body map[string]any) Packet {
	if body == nil {
		body = map[string]any{}
	}
	return Packet{ID: time.Now().UnixMilli(), Type: packetType, Body: body}
}

func (p Packet) Kind() Kind {
	return KindOf(p.Type)
}

func (p Packet) HasPayload() bool {
	return p.Payload != nil && p.Payload.Size > 0
}

// Clone copies the packet envelope and body so pipelines can mutate their own copy.
func (p Packet) Clone() Packet {
	out := Packet{ID: p.ID, Type: p.Type, Body: make(map[string]any, len(p.Body))}
	for k, v := range p.Body {
		out.Body[k] = v
	}
	if p.Payload != nil {
		info := make(map[string]any, len(p.Payload.TransferInfo))
		for k, v := range p.Payload.TransferInfo {
			info[k] = v
		}
		out.Payload = &PayloadDescriptor{Size: p.Payload.Size, TransferInfo: info}
	}
	return out
}

// WithoutPayload returns a copy with the payload descriptor stripped.
func (p Packet) WithoutPayload() Packet {
	out := p.Clone()
	out.Payload = nil
	return out
}

func (p Packet) Has(key string) bool {
	_, ok := p.Body[key]
	return ok
}

func (p Packet) String(key string) string {
	switch v := p.Body[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func (p Packet) Bool(key string) bool {
	switch v := p.Body[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func (p Packet) Strings(key string) []string {
	switch v := p.Body[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (p Packet) MarshalJSON() ([]byte, error) {
	w := wirePacket{ID: p.ID, Type: p.Type, Body: p.Body}
	if w.Body == nil {
		w.Body = map[string]any{}
	}
	if p.Payload != nil {
		w.PayloadSize = p.Payload.Size
		w.PayloadTransferInfo = p.Payload.TransferInfo
	}
	return json.Marshal(w)
}

func (p *Packet) UnmarshalJSON(data []byte) error {
	var w wirePacket
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Packet{ID: w.ID, Type: w.Type, Body: w.Body}
	if p.Body == nil {
		p.Body = map[string]any{}
	}
	if w.PayloadSize != 0 || w.PayloadTransferInfo != nil {
		p.Payload = &PayloadDescriptor{Size: w.PayloadSize, TransferInfo: w.PayloadTransferInfo}
	}
	return nil
}

// EncodePacket renders a packet as one newline-terminated JSON line.
func EncodePacket(p Packet) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet %s: %w", p.Type, err)
	}
	return append(b, '\n'), nil
}

func DecodePacket(line []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(bytes.TrimSpace(line), &p); err != nil {
		return Packet{}, fmt.Errorf("decode packet: %w", err)
	}
	if p.Type == "" {
		return Packet{}, fmt.Errorf("decode packet: missing type")
	}
	return p, nil
}
