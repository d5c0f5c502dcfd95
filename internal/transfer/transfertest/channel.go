// Package transfertest provides an in-memory transfer.Channel for tests.
package transfertest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"linkbridge-agent/internal/model"
	"linkbridge-agent/internal/transfer"
)

// Channel serves Payload to every Dial and records every completed upload.
type Channel struct {
	mu sync.Mutex

	Payload   []byte
	ListenErr error
	DialErr   error
	AcceptErr error
	// Hang makes Dial return a reader that blocks until it is closed.
	Hang bool

	dials    int
	uploads  [][]byte
	uploaded chan []byte
}

func NewChannel(payload []byte) *Channel {
	return &Channel{Payload: payload, uploaded: make(chan []byte, 16)}
}

func (c *Channel) Listen(ctx context.Context) (transfer.Uplink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListenErr != nil {
		return nil, c.ListenErr
	}
	return &uplink{ch: c}, nil
}

func (c *Channel) Dial(ctx context.Context, info map[string]any) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	if c.DialErr != nil {
		return nil, c.DialErr
	}
	if c.Hang {
		pr, _ := io.Pipe()
		return pr, nil
	}
	return io.NopCloser(bytes.NewReader(c.Payload)), nil
}

func (c *Channel) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Uploaded blocks until an upload completes or ctx is done.
func (c *Channel) Uploaded(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.uploaded:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type uplink struct {
	ch *Channel
}

func (u *uplink) TransferInfo() map[string]any {
	return map[string]any{"port": 1739}
}

func (u *uplink) Accept(ctx context.Context) (io.WriteCloser, error) {
	u.ch.mu.Lock()
	err := u.ch.AcceptErr
	u.ch.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &sink{ch: u.ch}, nil
}

func (u *uplink) Close() error { return nil }

type sink struct {
	ch     *Channel
	buf    bytes.Buffer
	once   sync.Once
	closed bool
}

func (s *sink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("transfertest: write on closed sink")
	}
	return s.buf.Write(p)
}

func (s *sink) Close() error {
	s.once.Do(func() {
		s.closed = true
		out := append([]byte(nil), s.buf.Bytes()...)
		s.ch.mu.Lock()
		s.ch.uploads = append(s.ch.uploads, out)
		s.ch.mu.Unlock()
		s.ch.uploaded <- out
	})
	return nil
}

// Sender records packets handed to the link.
type Sender struct {
	mu      sync.Mutex
	Err     error
	packets []model.Packet
	sent    chan model.Packet
}

func NewSender() *Sender {
	return &Sender{sent: make(chan model.Packet, 64)}
}

func (s *Sender) SendPacket(ctx context.Context, p model.Packet) error {
	s.mu.Lock()
	err := s.Err
	if err == nil {
		s.packets = append(s.packets, p.Clone())
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.sent <- p.Clone()
	return nil
}

func (s *Sender) Packets() []model.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Packet(nil), s.packets...)
}

// Next blocks until a packet is sent or ctx is done.
func (s *Sender) Next(ctx context.Context) (model.Packet, error) {
	select {
	case p := <-s.sent:
		return p, nil
	case <-ctx.Done():
		return model.Packet{}, ctx.Err()
	}
}
