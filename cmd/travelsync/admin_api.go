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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/cors"
	"github.com/zetafrog/travelsync/core/reconcile"
	"github.com/zetafrog/travelsync/core/relay"
	"github.com/zetafrog/travelsync/core/travel"
)

// AdminAPI is the operator surface, served under the "travelsync" namespace.
type AdminAPI struct {
	runner *Runner
}

func NewAdminAPI(runner *Runner) *AdminAPI {
	return &AdminAPI{runner: runner}
}

// ReconcileOne reconciles a single frog immediately.
func (api *AdminAPI) ReconcileOne(ctx context.Context, frogID uint64) travel.Decision {
	adminCalls.Inc(1)
	return api.runner.engine.ReconcileOne(ctx, frogID)
}

// ReconcileAll runs a full pass and returns its summary.
func (api *AdminAPI) ReconcileAll(ctx context.Context) (*reconcile.PassResult, error) {
	adminCalls.Inc(1)
	return api.runner.engine.ReconcileAll(ctx)
}

// LastOutcome returns the most recent decision for a frog, or null.
func (api *AdminAPI) LastOutcome(frogID uint64) *travel.Decision {
	d, ok := api.runner.engine.LastOutcome(frogID)
	if !ok {
		return nil
	}
	return &d
}

func (api *AdminAPI) LastPass() *reconcile.PassResult {
	return api.runner.engine.LastPass()
}

// Escalations lists frogs whose latest decision needs an operator.
func (api *AdminAPI) Escalations() []travel.Decision {
	return api.runner.engine.Escalations()
}

// DaemonStatus is the operator view of the daemon.
type DaemonStatus struct {
	Phase         DaemonPhase           `json:"phase"`
	ChainID       uint64                `json:"chainId"`
	ReadOnly      bool                  `json:"readOnly"`
	WriterHalted  string                `json:"writerHalted,omitempty"`
	RelayDegraded bool                  `json:"relayDegraded"`
	Sources       []relay.SourceStatus  `json:"sources,omitempty"`
	PushConnected *bool                 `json:"pushConnected,omitempty"`
	LastPass      *reconcile.PassResult `json:"lastPass,omitempty"`
	Escalated     int                   `json:"escalated"`
}

func (api *AdminAPI) Status() *DaemonStatus {
	return api.runner.status()
}

// ClearStuckTravel calls adminClearStuckTravel on chain, then reconciles.
func (api *AdminAPI) ClearStuckTravel(ctx context.Context, frogID uint64) (*travel.Decision, error) {
	adminCalls.Inc(1)
	d, err := api.runner.engine.ClearStuckTravel(ctx, frogID)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// EmergencyReset calls emergencyResetFrogStatus on chain, then reconciles.
func (api *AdminAPI) EmergencyReset(ctx context.Context, frogID uint64) (*travel.Decision, error) {
	adminCalls.Inc(1)
	d, err := api.runner.engine.EmergencyReset(ctx, frogID)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CompleteTravel completes the frog's in-flight cross-chain travel on chain
// and in the ledger.
func (api *AdminAPI) CompleteTravel(ctx context.Context, frogID uint64) (*travel.Decision, error) {
	adminCalls.Inc(1)
	d, err := api.runner.engine.CompleteTravel(ctx, frogID)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ResumeWriter re-enables a writer halted by an authorization failure.
func (api *AdminAPI) ResumeWriter() error {
	adminCalls.Inc(1)
	return api.runner.engine.ResumeWriter()
}

// Notifications streams every travel notification to the subscriber.
func (api *AdminAPI) Notifications(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()
	go func() {
		ch := make(chan travel.Notification, 64)
		feedSub := api.runner.feed.Subscribe(ch)
		defer feedSub.Unsubscribe()
		for {
			select {
			case n := <-ch:
				notifier.Notify(sub.ID, n)
			case <-sub.Err():
				return
			case <-feedSub.Err():
				return
			}
		}
	}()
	return sub, nil
}

// AdminServer serves the admin API over HTTP and websocket.
type AdminServer struct {
	server   *rpc.Server
	listener net.Listener
	httpSrv  *http.Server
}

// NewAdminServer creates and starts the admin RPC server. A nil secret
// disables authentication, which Config.Validate only allows on loopback.
func NewAdminServer(listenAddr string, api *AdminAPI, secret []byte, origins []string) (*AdminServer, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("travelsync", api); err != nil {
		return nil, fmt.Errorf("failed to register admin API: %w", err)
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	httpSrv := &http.Server{Handler: adminHandler(server, secret, origins)}
	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Admin server error", "err", err)
		}
	}()
	log.Info("Admin server started", "addr", listener.Addr(), "auth", secret != nil)

	return &AdminServer{server: server, listener: listener, httpSrv: httpSrv}, nil
}

func adminHandler(server *rpc.Server, secret []byte, origins []string) http.Handler {
	ws := server.WebsocketHandler(origins)
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocket(r) {
			ws.ServeHTTP(w, r)
			return
		}
		server.ServeHTTP(w, r)
	})
	if secret != nil {
		h = newJWTHandler(secret, h)
	}
	if len(origins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodPost, http.MethodGet},
			AllowedHeaders: []string{"*"},
			MaxAge:         600,
		}).Handler(h)
	}
	return h
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Addr returns the listening address.
func (s *AdminServer) Addr() net.Addr { return s.listener.Addr() }

// Close stops the admin server.
func (s *AdminServer) Close() error {
	s.server.Stop()
	return s.httpSrv.Close()
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
