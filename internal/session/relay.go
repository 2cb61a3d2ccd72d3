package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairprog/internal/metrics"
)

const publishTimeout = 5 * time.Second

// Close frame sent to a recipient removed after a failed delivery.
const (
	EvictionCloseCode   = websocket.ClosePolicyViolation
	EvictionCloseReason = "delivery failed"
)

// Publisher forwards locally relayed payloads to other service instances.
type Publisher interface {
	Publish(ctx context.Context, roomID string, payload []byte) error
}

// Relay fans a payload out to the other members of a room. Delivery is
// best-effort per recipient: a failed send evicts that recipient only.
type Relay struct {
	reg *Registry
	log *zap.Logger
	pub Publisher
}

func NewRelay(reg *Registry, log *zap.Logger) *Relay {
	return &Relay{reg: reg, log: log}
}

// SetPublisher enables cross-instance forwarding. Call before serving traffic.
func (r *Relay) SetPublisher(p Publisher) { r.pub = p }

func (r *Relay) Registry() *Registry { return r.reg }

// Broadcast delivers payload to every member of roomID except sender and
// returns once each delivery has completed or failed. Callers that wait for
// Broadcast before relaying their next frame get per-sender FIFO ordering.
func (r *Relay) Broadcast(roomID string, sender *Conn, payload []byte) {
	metrics.FrameRelayed("local", len(payload))
	r.deliver(roomID, r.reg.MembersExcluding(roomID, sender), payload)

	if r.pub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.pub.Publish(ctx, roomID, payload); err != nil {
			r.log.Warn("relay publish failed", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// DeliverRemote fans out a payload that originated on another instance.
func (r *Relay) DeliverRemote(roomID string, payload []byte) {
	metrics.FrameRelayed("remote", len(payload))
	r.deliver(roomID, r.reg.MembersExcluding(roomID, nil), payload)
}

func (r *Relay) deliver(roomID string, peers []*Conn, payload []byte) {
	switch len(peers) {
	case 0:
		return
	case 1:
		r.sendTo(roomID, peers[0], payload)
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(peers))
	for _, c := range peers {
		go func(c *Conn) {
			defer wg.Done()
			r.sendTo(roomID, c, payload)
		}(c)
	}
	wg.Wait()
}

func (r *Relay) sendTo(roomID string, c *Conn, payload []byte) {
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("send panicked: %v", p)
			}
		}()
		err = c.Send(payload)
	}()

	if err == nil {
		metrics.DeliverySucceeded()
		return
	}
	metrics.DeliveryFailed()
	r.evict(roomID, c, err)
}

func (r *Relay) evict(roomID string, c *Conn, cause error) {
	r.log.Info("evicting recipient after failed send",
		zap.String("room", roomID),
		zap.String("conn", c.ID),
		zap.Error(cause),
	)
	r.reg.Leave(roomID, c)
	_ = c.CloseWithReason(EvictionCloseCode, EvictionCloseReason)
}
