package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// (relayUrl, status)
type StatusFunction func(relayUrl string, status ConnectionStatus)

// (relayUrl, event)
type EventFunction func(relayUrl string, event *Event)

type RelayClientSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PublishAckTimeout  time.Duration
	QueryTimeout       time.Duration
	SendBufferSize     int
}

func DefaultRelayClientSettings() *RelayClientSettings {
	return &RelayClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PublishAckTimeout:  5 * time.Second,
		QueryTimeout:       10 * time.Second,
		SendBufferSize:     32,
	}
}

// the surface the session manager needs from one relay connection
type relayLink interface {
	Url() string
	Status() ConnectionStatus
	Publish(ctx context.Context, event *Event) error
	Subscribe(filters []*Filter, receive EventFunction) func()
	Query(ctx context.Context, filter *Filter) ([]*Event, error)
	Close()
}

type relaySubscription struct {
	subscriptionId string
	filters        []*Filter
	receive        EventFunction

	// one shot subscriptions accumulate until end-of-stored-events
	oneShot bool
	events  []*Event
	eose    chan struct{}
}

// one websocket connection to one relay, reconnecting until closed.
// Subscriptions are logical: they survive reconnects and the open REQs
// are replayed on each new connection.
type RelayClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url            string
	statusCallback StatusFunction

	settings *RelayClientSettings

	send chan []byte

	mutex         sync.Mutex
	status        ConnectionStatus
	subscriptions map[string]*relaySubscription
	pendingOks    map[string]chan error
}

func NewRelayClient(
	ctx context.Context,
	url string,
	statusCallback StatusFunction,
	settings *RelayClientSettings,
) *RelayClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &RelayClient{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		statusCallback: statusCallback,
		settings:       settings,
		send:           make(chan []byte, settings.SendBufferSize),
		status:         StatusDisconnected,
		subscriptions:  map[string]*relaySubscription{},
		pendingOks:     map[string]chan error{},
	}
	go client.run()
	return client
}

func (self *RelayClient) Url() string {
	return self.url
}

func (self *RelayClient) Status() ConnectionStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status
}

func (self *RelayClient) setStatus(status ConnectionStatus) {
	self.mutex.Lock()
	changed := self.status != status
	self.status = status
	self.mutex.Unlock()

	if changed && self.statusCallback != nil {
		self.statusCallback(self.url, status)
	}
}

func (self *RelayClient) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setStatus(StatusConnecting)
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[rc]connect %s error = %s\n", self.url, err)
			self.setStatus(StatusError)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.setStatus(StatusConnected)
		self.replaySubscriptions()
		self.handle(ws)
		self.setStatus(StatusDisconnected)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// re-issue the open REQs on a fresh connection. One shot query
// subscriptions are not replayed; a query pending across a reconnect
// resolves on its own timeout.
func (self *RelayClient) replaySubscriptions() {
	self.mutex.Lock()
	subscriptions := make([]*relaySubscription, 0, len(self.subscriptions))
	for _, subscription := range self.subscriptions {
		if subscription.oneShot {
			continue
		}
		subscriptions = append(subscriptions, subscription)
	}
	self.mutex.Unlock()

	for _, subscription := range subscriptions {
		if frameBytes, err := reqFrame(subscription.subscriptionId, subscription.filters); err == nil {
			self.trySend(frameBytes)
		}
	}
}

func (self *RelayClient) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// write
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
					glog.Infof("[rc]%s-> error = %s\n", self.url, err)
					return
				}
				glog.V(2).Infof("[rc]%s->\n", self.url)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	// read
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[rc]%s<- error = %s\n", self.url, err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				self.receiveFrame(message)
			default:
				glog.V(2).Infof("[rc]other=%d %s<-\n", messageType, self.url)
			}
		}
	}()

	<-handleCtx.Done()
}

func (self *RelayClient) receiveFrame(frameBytes []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(frameBytes, &frame); err != nil || len(frame) < 2 {
		glog.V(2).Infof("[rc]%s<- bad frame\n", self.url)
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subscriptionId string
		if err := json.Unmarshal(frame[1], &subscriptionId); err != nil {
			return
		}
		event := &Event{}
		if err := json.Unmarshal(frame[2], event); err != nil {
			glog.V(2).Infof("[rc]%s<- bad event\n", self.url)
			return
		}
		self.receiveEvent(subscriptionId, event)
	case "EOSE":
		var subscriptionId string
		if err := json.Unmarshal(frame[1], &subscriptionId); err != nil {
			return
		}
		self.receiveEose(subscriptionId)
	case "OK":
		var eventId string
		if err := json.Unmarshal(frame[1], &eventId); err != nil {
			return
		}
		accepted := false
		if 3 <= len(frame) {
			json.Unmarshal(frame[2], &accepted)
		}
		reason := ""
		if 4 <= len(frame) {
			json.Unmarshal(frame[3], &reason)
		}
		self.receiveOk(eventId, accepted, reason)
	case "NOTICE":
		var notice string
		json.Unmarshal(frame[1], &notice)
		glog.Infof("[rc]%s<- notice = %s\n", self.url, notice)
	default:
		glog.V(2).Infof("[rc]%s<- other frame = %s\n", self.url, label)
	}
}

func (self *RelayClient) receiveEvent(subscriptionId string, event *Event) {
	self.mutex.Lock()
	subscription, ok := self.subscriptions[subscriptionId]
	if ok && subscription.oneShot {
		subscription.events = append(subscription.events, event)
		self.mutex.Unlock()
		return
	}
	self.mutex.Unlock()

	if ok && subscription.receive != nil {
		subscription.receive(self.url, event)
	}
}

func (self *RelayClient) receiveEose(subscriptionId string) {
	self.mutex.Lock()
	subscription, ok := self.subscriptions[subscriptionId]
	self.mutex.Unlock()

	if ok && subscription.oneShot {
		select {
		case <-subscription.eose:
		default:
			close(subscription.eose)
		}
	}
}

func (self *RelayClient) receiveOk(eventId string, accepted bool, reason string) {
	self.mutex.Lock()
	ack, ok := self.pendingOks[eventId]
	if ok {
		delete(self.pendingOks, eventId)
	}
	self.mutex.Unlock()

	if !ok {
		return
	}
	if accepted {
		ack <- nil
	} else {
		ack <- fmt.Errorf("relay %s rejected event: %s", self.url, reason)
	}
}

func (self *RelayClient) trySend(frameBytes []byte) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("relay client closed")
	case self.send <- frameBytes:
		return nil
	default:
		return fmt.Errorf("relay %s send buffer full", self.url)
	}
}

// resolves when the relay acknowledges the event, or fails on
// rejection or timeout
func (self *RelayClient) Publish(ctx context.Context, event *Event) error {
	frameBytes, err := json.Marshal([]any{"EVENT", event})
	if err != nil {
		return err
	}

	ack := make(chan error, 1)
	self.mutex.Lock()
	self.pendingOks[event.Id] = ack
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		delete(self.pendingOks, event.Id)
		self.mutex.Unlock()
	}()

	if err := self.trySend(frameBytes); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return fmt.Errorf("relay client closed")
	case err := <-ack:
		return err
	case <-time.After(self.settings.PublishAckTimeout):
		return fmt.Errorf("relay %s publish ack timeout", self.url)
	}
}

// a persistent logical subscription. Returns a function to close it.
func (self *RelayClient) Subscribe(filters []*Filter, receive EventFunction) func() {
	subscription := &relaySubscription{
		subscriptionId: ulid.Make().String(),
		filters:        filters,
		receive:        receive,
	}

	self.mutex.Lock()
	self.subscriptions[subscription.subscriptionId] = subscription
	self.mutex.Unlock()

	if frameBytes, err := reqFrame(subscription.subscriptionId, filters); err == nil {
		self.trySend(frameBytes)
	}

	return func() {
		self.closeSubscription(subscription.subscriptionId)
	}
}

func (self *RelayClient) closeSubscription(subscriptionId string) {
	self.mutex.Lock()
	_, ok := self.subscriptions[subscriptionId]
	delete(self.subscriptions, subscriptionId)
	self.mutex.Unlock()

	if !ok {
		return
	}
	if frameBytes, err := json.Marshal([]any{"CLOSE", subscriptionId}); err == nil {
		self.trySend(frameBytes)
	}
}

// a one shot historical fetch that completes on end-of-stored-events
func (self *RelayClient) Query(ctx context.Context, filter *Filter) ([]*Event, error) {
	subscription := &relaySubscription{
		subscriptionId: ulid.Make().String(),
		filters:        []*Filter{filter},
		oneShot:        true,
		eose:           make(chan struct{}),
	}

	self.mutex.Lock()
	self.subscriptions[subscription.subscriptionId] = subscription
	self.mutex.Unlock()
	defer self.closeSubscription(subscription.subscriptionId)

	frameBytes, err := reqFrame(subscription.subscriptionId, subscription.filters)
	if err != nil {
		return nil, err
	}
	if err := self.trySend(frameBytes); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, fmt.Errorf("relay client closed")
	case <-subscription.eose:
	case <-time.After(self.settings.QueryTimeout):
		return nil, fmt.Errorf("relay %s query timeout", self.url)
	}

	self.mutex.Lock()
	events := subscription.events
	self.mutex.Unlock()
	return events, nil
}

// idempotent
func (self *RelayClient) Close() {
	self.cancel()
	self.setStatus(StatusDisconnected)
}

func reqFrame(subscriptionId string, filters []*Filter) ([]byte, error) {
	frame := []any{"REQ", subscriptionId}
	for _, filter := range filters {
		frame = append(frame, filter)
	}
	return json.Marshal(frame)
}
