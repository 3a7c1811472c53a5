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
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/zetafrog/travelsync/core/travel"
)

// Notifiers fans one notification out to several notifiers.
type Notifiers []travel.Notifier

func (ns Notifiers) Notify(n travel.Notification) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}

// FeedNotifier publishes notifications to in-process subscribers. Notify
// only enqueues; a full queue drops the notification.
type FeedNotifier struct {
	feed  event.Feed
	scope event.SubscriptionScope
	queue chan travel.Notification

	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFeedNotifier starts the dispatch loop. size is the queue capacity.
func NewFeedNotifier(size int) *FeedNotifier {
	if size <= 0 {
		size = 256
	}
	f := &FeedNotifier{
		queue: make(chan travel.Notification, size),
		quit:  make(chan struct{}),
	}
	f.wg.Add(1)
	go f.loop()
	return f
}

func (f *FeedNotifier) Notify(n travel.Notification) {
	select {
	case f.queue <- n:
	default:
		pushDropped.Inc(1)
		log.Debug("Dropping notification, feed queue full", "frog", n.FrogID, "stage", n.Stage)
	}
}

// Subscribe delivers every later notification to ch. The subscriber must
// keep draining ch.
func (f *FeedNotifier) Subscribe(ch chan<- travel.Notification) event.Subscription {
	sub := f.scope.Track(f.feed.Subscribe(ch))
	feedSubscribersGauge.Update(int64(f.scope.Count()))
	return sub
}

func (f *FeedNotifier) loop() {
	defer f.wg.Done()
	for {
		select {
		case n := <-f.queue:
			f.feed.Send(n)
		case <-f.quit:
			return
		}
	}
}

// Close ends every subscription and stops the dispatch loop.
func (f *FeedNotifier) Close() {
	f.closeOnce.Do(func() {
		close(f.quit)
		f.scope.Close()
		f.wg.Wait()
		feedSubscribersGauge.Update(0)
	})
}
