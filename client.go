package liveql

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/google/uuid"
)

// the session orchestrator. drives the protocol state machine, dispatches
// inbound envelopes by op, restores session attribute metadata, and re-issues
// live subscriptions after a reconnect.

type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateAuthenticated ConnectionState = "authenticated"
	StateError         ConnectionState = "error"
)

func (self ConnectionState) CanSend() bool {
	switch self {
	case StateConnected, StateAuthenticated:
		return true
	default:
		return false
	}
}

type ConnectionStateFunction = func(state ConnectionState, reason error)

type ClientSettings struct {
	TransportSettings *TransportSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		TransportSettings: DefaultTransportSettings(),
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string
	appId       string
	auth        AuthProvider
	settings    *ClientSettings

	attrs         *AttrStore
	subscriptions *SubscriptionMap
	transport     *Transport

	stateCallbacks *CallbackList[ConnectionStateFunction]

	mutex            sync.Mutex
	state            ConnectionState
	stateReason      error
	sessionId        string
	currentUser      *User
	pendingTransacts map[Id]TransactFunction
}

// compile-time check that the client is the registry's wire path
var _ querySender = (*Client)(nil)

func NewClientWithDefaults(ctx context.Context, platformUrl string, appId string, auth AuthProvider) (*Client, error) {
	return NewClient(ctx, platformUrl, appId, auth, DefaultClientSettings())
}

// platformUrl is the websocket origin, e.g. wss://live.example.com.
// auth may be nil for an anonymous session.
func NewClient(ctx context.Context, platformUrl string, appId string, auth AuthProvider, settings *ClientSettings) (*Client, error) {
	if _, err := uuid.Parse(appId); err != nil {
		return nil, fmt.Errorf("app id must be a uuid: %w", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:              cancelCtx,
		cancel:           cancel,
		platformUrl:      platformUrl,
		appId:            appId,
		auth:             auth,
		settings:         settings,
		attrs:            NewAttrStore(),
		stateCallbacks:   NewCallbackList[ConnectionStateFunction](),
		state:            StateDisconnected,
		pendingTransacts: map[Id]TransactFunction{},
	}
	client.subscriptions = NewSubscriptionMap(client, client.attrs)

	sessionUrl := fmt.Sprintf("%s/runtime/session?app-id=%s", platformUrl, appId)
	client.transport = NewTransport(cancelCtx, sessionUrl, settings.TransportSettings)
	client.transport.AddOpenCallback(client.handleOpen)
	client.transport.AddMessageCallback(client.handleMessage)
	client.transport.AddCloseCallback(client.handleClose)

	return client, nil
}

// Connect starts the transport. reconnects after failures are automatic;
// every successful handshake re-issues all live subscriptions.
func (self *Client) Connect() {
	self.setState(StateConnecting, nil)
	self.transport.Open()
}

// Disconnect forces disconnected from any state and clears session-derived
// data (attributes, session id, auth info). pending transactions fail.
func (self *Client) Disconnect() {
	self.cancel()

	self.mutex.Lock()
	self.sessionId = ""
	self.currentUser = nil
	pending := self.pendingTransacts
	self.pendingTransacts = map[Id]TransactFunction{}
	self.mutex.Unlock()

	self.attrs.Clear()
	self.setState(StateDisconnected, nil)

	for _, callback := range pending {
		callback := callback
		protectCallback(func() {
			callback(nil, &NotConnectedError{State: StateDisconnected})
		})
	}
}

func (self *Client) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.state
}

// the reason for the last error state, nil otherwise
func (self *Client) StateReason() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.stateReason
}

func (self *Client) SessionId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.sessionId
}

func (self *Client) CurrentUser() *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.currentUser
}

func (self *Client) AddStateCallback(callback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// Subscribe registers a callback for a raw query payload.
// see SubscriptionMap.Subscribe for delivery semantics.
func (self *Client) Subscribe(query WireValue, callback QueryResultFunction) (func(), error) {
	return self.subscriptions.Subscribe(query, callback)
}

// Transact compiles declarative ops and sends them. the callback resolves on
// transact-ok or a correlated error envelope. returns the correlation id.
func (self *Client) Transact(ops []TxOp, callback TransactFunction) (Id, error) {
	if callback == nil {
		callback = func(result *TransactResult, err error) {}
	}
	steps, err := CompileTxSteps(self.attrs, ops)
	if err != nil {
		return Id{}, err
	}

	clientEventId := NewId()
	message := &TransactMessage{
		Op:            OpTransact,
		ClientEventId: clientEventId,
		TxSteps:       steps,
	}

	self.mutex.Lock()
	self.pendingTransacts[clientEventId] = callback
	self.mutex.Unlock()

	if err := self.sendMessage(message); err != nil {
		self.mutex.Lock()
		delete(self.pendingTransacts, clientEventId)
		self.mutex.Unlock()
		return Id{}, err
	}
	return clientEventId, nil
}

func (self *Client) TransactSync(ctx context.Context, ops []TxOp) (*TransactResult, error) {
	type transactOut struct {
		result *TransactResult
		err    error
	}
	out := make(chan transactOut, 1)
	_, err := self.Transact(ops, func(result *TransactResult, err error) {
		out <- transactOut{result: result, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-out:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, &NotConnectedError{State: StateDisconnected}
	}
}

// querySender

func (self *Client) sendAddQuery(query WireValue, clientEventId Id) {
	message := &AddQueryMessage{
		Op:            OpAddQuery,
		ClientEventId: clientEventId,
		Q:             query,
	}
	if err := self.sendMessage(message); err != nil {
		// the registry record stays live; the query re-issues
		// after the next successful handshake
		glog.V(1).Infof("[c]add-query deferred = %s\n", err)
	}
}

func (self *Client) sendRemoveQuery(query WireValue) {
	message := &RemoveQueryMessage{
		Op:            OpRemoveQuery,
		ClientEventId: NewId(),
		Q:             query,
	}
	if err := self.sendMessage(message); err != nil {
		glog.V(1).Infof("[c]remove-query dropped = %s\n", err)
	}
}

func (self *Client) sendMessage(message any) error {
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	return self.transport.Send(messageBytes)
}

// transport events

func (self *Client) handleOpen() {
	self.setState(StateConnected, nil)

	refreshToken := ""
	if self.auth != nil {
		refreshToken = self.auth.CurrentRefreshToken()
	}
	message := &InitMessage{
		Op:            OpInit,
		ClientEventId: NewId(),
		AppId:         self.appId,
		RefreshToken:  refreshToken,
	}
	if err := self.sendMessage(message); err != nil {
		glog.Infof("[c]init send error = %s\n", err)
	}
}

// a close after Disconnect is the requested teardown, whatever error the
// dying socket reported on the way down
func (self *Client) handleClose(err error) {
	if err != nil && self.ctx.Err() == nil {
		self.setState(StateError, err)
	} else {
		self.setState(StateDisconnected, nil)
	}
}

func (self *Client) handleMessage(envelopeBytes []byte) {
	envelope, err := DecodeServerEnvelope(envelopeBytes)
	if err != nil {
		// a single bad envelope must not take down unrelated subscriptions
		glog.Infof("[c]drop malformed envelope = %s\n", err)
		return
	}

	switch envelope.Op {
	case OpInitOk:
		self.handleInitOk(envelope)
	case OpAddQueryOk, OpAddQueryExists:
		if envelope.ClientEventId == nil {
			glog.Infof("[c]%s missing client-event-id\n", envelope.Op)
			return
		}
		self.subscriptions.HandleResult(*envelope.ClientEventId, envelope.Result)
	case OpRemoveQueryOk:
		// the registry already removed its record at unsubscribe time
		glog.V(1).Infof("[c]remove-query-ok\n")
	case OpRefreshOk:
		self.subscriptions.HandleRefresh(envelope.Computations)
	case OpTransactOk:
		self.handleTransactOk(envelope)
	case OpError:
		self.handleServerError(envelope)
	default:
		// forward compatibility: unrecognized ops are ignored
		glog.V(1).Infof("[c]ignore op %s\n", envelope.Op)
	}
}

func (self *Client) handleInitOk(envelope *ServerEnvelope) {
	var user *User
	if envelope.Auth != nil {
		user = envelope.Auth.User
	}

	self.mutex.Lock()
	self.sessionId = envelope.SessionId
	self.currentUser = user
	self.mutex.Unlock()

	self.attrs.ReplaceAll(envelope.Attrs)
	glog.V(1).Infof("[c]session %s attrs=%d loggedIn=%t\n", envelope.SessionId, len(envelope.Attrs), user != nil)

	if user != nil && self.auth != nil {
		// fire and forget; persistence failures are logged, not propagated
		go func() {
			if err := self.auth.Persist(user); err != nil {
				glog.Infof("[c]auth persist error = %s\n", err)
			}
		}()
	}

	self.setState(StateAuthenticated, nil)
	self.subscriptions.ResubscribeAll()
}

func (self *Client) handleTransactOk(envelope *ServerEnvelope) {
	if envelope.ClientEventId == nil {
		glog.Infof("[c]transact-ok missing client-event-id\n")
		return
	}

	self.mutex.Lock()
	callback, ok := self.pendingTransacts[*envelope.ClientEventId]
	delete(self.pendingTransacts, *envelope.ClientEventId)
	self.mutex.Unlock()

	if !ok {
		glog.V(2).Infof("[c]transact-ok for unknown event %s\n", *envelope.ClientEventId)
		return
	}
	result := &TransactResult{TxId: envelope.TxId}
	protectCallback(func() {
		callback(result, nil)
	})
}

// a query-scoped error routes to the affected subscription or pending
// transaction only. a session-scoped error is logged and the connection state
// is left as-is: a query-level complaint is not a connection-level fault.
func (self *Client) handleServerError(envelope *ServerEnvelope) {
	hint := ""
	switch envelope.Hint.Kind() {
	case WireNull:
	case WireString:
		hint = envelope.Hint.Str()
	default:
		hint = string(envelope.Hint.CanonicalJSON())
	}
	serverErr := &ServerError{
		Message: envelope.Message,
		Hint:    hint,
	}

	if envelope.ClientEventId != nil {
		clientEventId := *envelope.ClientEventId
		if self.subscriptions.HasEventId(clientEventId) {
			self.subscriptions.HandleError(clientEventId, serverErr)
			return
		}

		self.mutex.Lock()
		callback, ok := self.pendingTransacts[clientEventId]
		delete(self.pendingTransacts, clientEventId)
		self.mutex.Unlock()
		if ok {
			protectCallback(func() {
				callback(nil, serverErr)
			})
			return
		}
	}

	glog.Infof("[c]server error = %s\n", serverErr)
}

func (self *Client) setState(state ConnectionState, reason error) {
	self.mutex.Lock()
	if self.state == state && self.stateReason == reason {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.stateReason = reason
	self.mutex.Unlock()

	glog.V(1).Infof("[c]state %s\n", state)
	for _, callback := range self.stateCallbacks.Get() {
		callback := callback
		protectCallback(func() {
			callback(state, reason)
		})
	}
}
