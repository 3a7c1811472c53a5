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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/zetafrog/travelsync/core/travel"
)

// pushServer accepts delivery connections and forwards every message it
// reads.
func pushServer(t *testing.T, token string) (*httptest.Server, <-chan pushMessage) {
	t.Helper()
	msgs := make(chan pushMessage, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg pushMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msgs <- msg
		}
	}))
	t.Cleanup(srv.Close)
	return srv, msgs
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPusherDelivers(t *testing.T) {
	srv, msgs := pushServer(t, "secret")
	p := NewPusher(PusherConfig{URL: wsURL(srv), Token: "secret", MinBackoff: 10 * time.Millisecond})

	// Queued before the connection exists.
	p.Notify(travel.Notification{FrogID: 8, Stage: travel.StageStarted})
	require.NoError(t, p.Start())
	defer p.Stop()
	p.Notify(travel.Notification{FrogID: 8, Stage: travel.StageCompleted, Message: "done"})

	for _, want := range []string{travel.StageStarted, travel.StageCompleted} {
		select {
		case msg := <-msgs:
			require.Equal(t, want, msg.Stage)
			require.Equal(t, uint64(8), msg.FrogID)
			require.Equal(t, "travel:update", msg.Event)
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s message", want)
		}
	}
	require.True(t, p.Connected())
}

func TestPusherRejectedToken(t *testing.T) {
	srv, msgs := pushServer(t, "secret")
	p := NewPusher(PusherConfig{URL: wsURL(srv), Token: "wrong", MinBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	require.NoError(t, p.Start())
	p.Notify(travel.Notification{FrogID: 1, Stage: travel.StageStarted})

	select {
	case <-msgs:
		t.Fatal("message delivered without authorization")
	case <-time.After(100 * time.Millisecond):
	}
	require.False(t, p.Connected())
	p.Stop()
}

func TestPusherQueueFull(t *testing.T) {
	p := NewPusher(PusherConfig{URL: "ws://127.0.0.1:1", QueueSize: 2})
	for i := 0; i < 5; i++ {
		p.Notify(travel.Notification{FrogID: uint64(i), Stage: travel.StageStarted})
	}
	require.Len(t, p.queue, 2)

	require.Error(t, NewPusher(PusherConfig{}).Start())
}

func TestFeedNotifier(t *testing.T) {
	feed := NewFeedNotifier(4)
	defer feed.Close()

	ch := make(chan travel.Notification, 4)
	sub := feed.Subscribe(ch)
	defer sub.Unsubscribe()

	Notifiers{feed, nil}.Notify(travel.Notification{FrogID: 3, Stage: travel.StageTimeout})
	select {
	case n := <-ch:
		require.Equal(t, uint64(3), n.FrogID)
		require.Equal(t, travel.StageTimeout, n.Stage)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}
