// Copyright 2024 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package relay

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/zetafrog/travelsync/core/travel"
)

// PusherConfig configures the outbound real-time delivery connection.
type PusherConfig struct {
	URL          string
	Token        string // sent as a bearer token when set
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

func (c *PusherConfig) sanitize() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
}

// pushMessage is the wire form of one notification.
type pushMessage struct {
	Event     string `json:"event"`
	FrogID    uint64 `json:"frogId"`
	Stage     string `json:"stage"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Pusher forwards notifications to the real-time delivery service over a
// websocket. Notify never blocks; notifications queued while disconnected
// are sent after reconnecting until the queue overflows.
type Pusher struct {
	cfg    PusherConfig
	dialer *websocket.Dialer
	queue  chan pushMessage

	connected atomic.Bool
	mu        sync.Mutex
	running   bool
	quit      chan struct{}
	wg        sync.WaitGroup
}

func NewPusher(cfg PusherConfig) *Pusher {
	cfg.sanitize()
	return &Pusher{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.WriteTimeout, Proxy: http.ProxyFromEnvironment},
		queue:  make(chan pushMessage, cfg.QueueSize),
		quit:   make(chan struct{}),
	}
}

func (p *Pusher) Notify(n travel.Notification) {
	msg := pushMessage{
		Event:     "travel:update",
		FrogID:    n.FrogID,
		Stage:     n.Stage,
		Message:   n.Message,
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case p.queue <- msg:
		pushQueued.Inc(1)
	default:
		pushDropped.Inc(1)
		log.Warn("Dropping notification, push queue full", "frog", n.FrogID, "stage", n.Stage)
	}
}

// Connected reports whether the delivery connection is up.
func (p *Pusher) Connected() bool { return p.connected.Load() }

func (p *Pusher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pusher already running")
	}
	if p.cfg.URL == "" {
		return errors.New("pusher url not set")
	}
	p.running = true
	p.wg.Add(1)
	go p.loop()
	return nil
}

func (p *Pusher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pusher) loop() {
	defer p.wg.Done()

	var (
		backoff = p.cfg.MinBackoff
		pending *pushMessage
	)
	for {
		conn, err := p.dial()
		if err != nil {
			pushReconnects.Inc(1)
			log.Debug("Push connection failed", "url", p.cfg.URL, "retry", backoff, "err", err)
			select {
			case <-time.After(backoff):
			case <-p.quit:
				return
			}
			backoff = min(backoff*2, p.cfg.MaxBackoff)
			continue
		}
		backoff = p.cfg.MinBackoff
		p.connected.Store(true)
		pushConnectedGauge.Update(1)
		log.Info("Push connection established", "url", p.cfg.URL)

		var stop bool
		pending, stop = p.serve(conn, pending)
		p.connected.Store(false)
		pushConnectedGauge.Update(0)
		if stop {
			return
		}
	}
}

func (p *Pusher) dial() (*websocket.Conn, error) {
	header := make(http.Header)
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	conn, _, err := p.dialer.Dial(p.cfg.URL, header)
	return conn, err
}

// serve writes queued messages until the connection breaks or the pusher
// stops. It returns the message that could not be written, if any.
func (p *Pusher) serve(conn *websocket.Conn, pending *pushMessage) (*pushMessage, bool) {
	defer conn.Close()

	// The reader only exists to process control frames and notice closure.
	dead := make(chan struct{})
	go func() {
		defer close(dead)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(p.cfg.PingInterval)
	defer ping.Stop()

	write := func(msg *pushMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Warn("Push write failed", "frog", msg.FrogID, "err", err)
			return false
		}
		pushSent.Inc(1)
		return true
	}
	if pending != nil && !write(pending) {
		return pending, false
	}
	for {
		select {
		case msg := <-p.queue:
			if !write(&msg) {
				return &msg, false
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil, false
			}
		case <-dead:
			log.Warn("Push connection closed by peer", "url", p.cfg.URL)
			return nil, false
		case <-p.quit:
			deadline := time.Now().Add(p.cfg.WriteTimeout)
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil, true
		}
	}
}
