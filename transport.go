package liveql

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// one persistent websocket to the platform. the transport owns the socket
// exclusively and performs no business logic: it serializes outbound envelope
// bytes, surfaces inbound envelope bytes, and reports lifecycle events.
// all sends funnel through the session orchestrator so correlation ids are
// assigned in one place.

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		SendBufferSize:     32,
	}
}

type transportOpenFunction = func()
type transportMessageFunction = func(envelopeBytes []byte)
type transportCloseFunction = func(err error)

type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *TransportSettings

	openCallbacks    *CallbackList[transportOpenFunction]
	messageCallbacks *CallbackList[transportMessageFunction]
	closeCallbacks   *CallbackList[transportCloseFunction]

	mutex   sync.Mutex
	started bool
	// non-nil exactly while one socket is writable
	send chan []byte
}

func NewTransportWithDefaults(ctx context.Context, url string) *Transport {
	return NewTransport(ctx, url, DefaultTransportSettings())
}

func NewTransport(ctx context.Context, url string, settings *TransportSettings) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Transport{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		settings:         settings,
		openCallbacks:    NewCallbackList[transportOpenFunction](),
		messageCallbacks: NewCallbackList[transportMessageFunction](),
		closeCallbacks:   NewCallbackList[transportCloseFunction](),
	}
}

func (self *Transport) AddOpenCallback(callback transportOpenFunction) func() {
	callbackId := self.openCallbacks.Add(callback)
	return func() {
		self.openCallbacks.Remove(callbackId)
	}
}

func (self *Transport) AddMessageCallback(callback transportMessageFunction) func() {
	callbackId := self.messageCallbacks.Add(callback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *Transport) AddCloseCallback(callback transportCloseFunction) func() {
	callbackId := self.closeCallbacks.Add(callback)
	return func() {
		self.closeCallbacks.Remove(callbackId)
	}
}

// Open starts the dial/read/reconnect loop. calling Open twice is a no-op.
func (self *Transport) Open() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.started {
		return
	}
	self.started = true
	go self.run()
}

func (self *Transport) Close() {
	self.cancel()
}

// Send queues one outbound envelope without blocking the caller. fails with
// NotConnectedError when no socket is currently writable, and with
// SendBufferFullError when the outbound buffer has no room.
func (self *Transport) Send(envelopeBytes []byte) error {
	self.mutex.Lock()
	send := self.send
	self.mutex.Unlock()

	if send == nil {
		return &NotConnectedError{State: StateDisconnected}
	}
	select {
	case send <- envelopeBytes:
		return nil
	case <-self.ctx.Done():
		return &NotConnectedError{State: StateDisconnected}
	default:
		return &SendBufferFullError{Size: self.settings.SendBufferSize}
	}
}

func (self *Transport) run() {
	for {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[t]dial error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.runOne(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *Transport) runOne(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// closing the socket on cancel unblocks a reader parked in ReadMessage,
	// so Close takes effect immediately instead of after the read deadline
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	send := make(chan []byte, self.settings.SendBufferSize)
	self.mutex.Lock()
	self.send = send
	self.mutex.Unlock()

	var closeErr error

	// the not-writable transition happens synchronously before close
	// callbacks run, so a subscriber never observes a stale connected
	// state mixed with a closed socket
	defer func() {
		self.mutex.Lock()
		if self.send == send {
			self.send = nil
		}
		self.mutex.Unlock()

		// note `send` is left open. a racing Send may still queue into the
		// abandoned channel; the envelope is dropped with the connection.

		for _, callback := range self.closeCallbacks.Get() {
			callback := callback
			protectCallback(func() {
				callback(closeErr)
			})
		}
	}()

	for _, callback := range self.openCallbacks.Get() {
		callback := callback
		protectCallback(callback)
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case envelopeBytes := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, envelopeBytes); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[ts]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ts]-> %d bytes\n", len(envelopeBytes))
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, envelopeBytes, err := ws.ReadMessage()
			if err != nil {
				if self.ctx.Err() != nil {
					// orderly shutdown, not a transport fault
					return
				}
				closeErr = err
				glog.Infof("[tr]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				glog.V(2).Infof("[tr]<- %d bytes\n", len(envelopeBytes))
				for _, callback := range self.messageCallbacks.Get() {
					callback := callback
					protectCallback(func() {
						callback(envelopeBytes)
					})
				}
			default:
				glog.V(2).Infof("[tr]<- other=%d\n", messageType)
			}
		}
	}()
}
