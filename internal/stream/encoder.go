package stream

import (
	"context"
	"encoding/json"
	"errors"

	"linkbridge-agent/internal/model"
)

var ErrLinkClosed = errors.New("link closed")

// Link is one authenticated packet stream to the paired device.
// Send may be called concurrently; Receive has a single caller.
type Link interface {
	Send(ctx context.Context, p model.Packet) error
	Receive(ctx context.Context) (model.Packet, error)
	Close(ctx context.Context) error
}

type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
