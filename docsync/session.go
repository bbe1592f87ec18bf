package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type RelaySessionManagerSettings struct {
	PublishTimeout time.Duration
	QueryTimeout   time.Duration

	RelayClientSettings *RelayClientSettings
}

func DefaultRelaySessionManagerSettings() *RelaySessionManagerSettings {
	return &RelaySessionManagerSettings{
		PublishTimeout:      10 * time.Second,
		QueryTimeout:        15 * time.Second,
		RelayClientSettings: DefaultRelayClientSettings(),
	}
}

// owns the set of relay connections for one engine. Publishes fan out
// to every relay and succeed when at least one relay acknowledges.
// Queries fan out and return the union of results deduplicated by
// event id.
//
// The session manager is the sole writer of per relay connection
// status.
type RelaySessionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelaySessionManagerSettings

	statusCallbacks CallbackList[StatusFunction]

	mutex        sync.Mutex
	links        []relayLink
	statuses     map[string]ConnectionStatus
	unsubscribes []func()
	closed       bool
}

func NewRelaySessionManagerWithDefaults(ctx context.Context, relayUrls []string) (*RelaySessionManager, error) {
	return NewRelaySessionManager(ctx, relayUrls, DefaultRelaySessionManagerSettings())
}

func NewRelaySessionManager(
	ctx context.Context,
	relayUrls []string,
	settings *RelaySessionManagerSettings,
) (*RelaySessionManager, error) {
	if len(relayUrls) == 0 {
		return nil, fmt.Errorf("at least one relay url is required")
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	sessionManager := &RelaySessionManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		statuses: map[string]ConnectionStatus{},
	}

	links := make([]relayLink, 0, len(relayUrls))
	for _, relayUrl := range relayUrls {
		sessionManager.statuses[relayUrl] = StatusDisconnected
		links = append(links, NewRelayClient(
			cancelCtx,
			relayUrl,
			sessionManager.updateStatus,
			settings.RelayClientSettings,
		))
	}
	sessionManager.links = links

	return sessionManager, nil
}

// for tests
func newRelaySessionManagerWithLinks(ctx context.Context, links []relayLink, settings *RelaySessionManagerSettings) *RelaySessionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	statuses := map[string]ConnectionStatus{}
	for _, link := range links {
		statuses[link.Url()] = link.Status()
	}
	return &RelaySessionManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		links:    links,
		statuses: statuses,
	}
}

// StatusFunction. The single write path for relay statuses.
func (self *RelaySessionManager) updateStatus(relayUrl string, status ConnectionStatus) {
	self.mutex.Lock()
	self.statuses[relayUrl] = status
	self.mutex.Unlock()

	glog.V(2).Infof("[rs]%s status = %s\n", relayUrl, status)
	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(relayUrl, status)
	}
}

func (self *RelaySessionManager) AddStatusCallback(statusCallback StatusFunction) func() {
	return self.statusCallbacks.Add(statusCallback)
}

func (self *RelaySessionManager) Statuses() map[string]ConnectionStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.statuses)
}

// establishes the logical subscriptions on every relay. The
// subscriptions are logical: each relay replays them whenever its
// connection is established.
func (self *RelaySessionManager) Open(filters []*Filter, receive EventFunction) (func(), error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return nil, fmt.Errorf("session closed")
	}

	unsubscribes := make([]func(), 0, len(self.links))
	for _, link := range self.links {
		unsubscribes = append(unsubscribes, link.Subscribe(filters, receive))
	}
	self.unsubscribes = append(self.unsubscribes, unsubscribes...)

	unsubscribed := false
	return func() {
		if unsubscribed {
			return
		}
		unsubscribed = true
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}, nil
}

// emits to every relay. Success when at least one relay acknowledges.
// Total failure across all relays is returned as a single joined
// error.
func (self *RelaySessionManager) Publish(ctx context.Context, event *Event) error {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return fmt.Errorf("session closed")
	}
	links := self.links
	self.mutex.Unlock()

	publishCtx, publishCancel := context.WithTimeout(ctx, self.settings.PublishTimeout)
	defer publishCancel()

	results := make(chan error, len(links))
	for _, link := range links {
		go func(link relayLink) {
			results <- link.Publish(publishCtx, event)
		}(link)
	}

	errs := []error{}
	successCount := 0
	for range links {
		if err := <-results; err == nil {
			successCount += 1
		} else {
			errs = append(errs, err)
		}
	}

	if successCount == 0 {
		return fmt.Errorf("publish failed on all %d relays: %w", len(links), errors.Join(errs...))
	}
	glog.V(2).Infof("[rs]publish %s ok=%d/%d\n", event.Id, successCount, len(links))
	return nil
}

// a one shot historical fetch across all relays. Returns the union
// deduplicated by event id. Fails only when every relay fails.
func (self *RelaySessionManager) Query(ctx context.Context, filter *Filter) ([]*Event, error) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	links := self.links
	self.mutex.Unlock()

	queryCtx, queryCancel := context.WithTimeout(ctx, self.settings.QueryTimeout)
	defer queryCancel()

	type queryResult struct {
		events []*Event
		err    error
	}
	results := make(chan *queryResult, len(links))
	for _, link := range links {
		go func(link relayLink) {
			events, err := link.Query(queryCtx, filter)
			results <- &queryResult{events: events, err: err}
		}(link)
	}

	errs := []error{}
	eventIds := map[string]bool{}
	events := []*Event{}
	for range links {
		result := <-results
		if result.err != nil {
			errs = append(errs, result.err)
			continue
		}
		for _, event := range result.events {
			if eventIds[event.Id] {
				continue
			}
			eventIds[event.Id] = true
			events = append(events, event)
		}
	}

	if len(errs) == len(links) {
		return nil, fmt.Errorf("query failed on all %d relays: %w", len(links), errors.Join(errs...))
	}
	return events, nil
}

// idempotent
func (self *RelaySessionManager) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	links := self.links
	self.mutex.Unlock()

	for _, link := range links {
		link.Close()
	}
	self.cancel()
}
