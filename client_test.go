package liveql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/google/uuid"

	"github.com/gorilla/websocket"
)

// in-process platform for end-to-end tests. the test drives the conversation:
// it reads the next inbound envelope with expect and writes replies with send.
type testServer struct {
	t      *testing.T
	server *httptest.Server

	received chan map[string]any

	mutex sync.Mutex
	conn  *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{
		t:        t,
		received: make(chan map[string]any, 32),
	}

	upgrader := &websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mutex.Lock()
		s.conn = conn
		s.mutex.Unlock()

		for {
			_, messageBytes, err := conn.ReadMessage()
			if err != nil {
				return
			}
			envelope := map[string]any{}
			if err := json.Unmarshal(messageBytes, &envelope); err != nil {
				continue
			}
			s.received <- envelope
		}
	}))
	return s
}

func (self *testServer) wsUrl() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testServer) Close() {
	self.server.Close()
}

func (self *testServer) send(envelope map[string]any) {
	envelopeBytes, err := json.Marshal(envelope)
	assert.Equal(self.t, err, nil)
	self.sendRaw(envelopeBytes)
}

func (self *testServer) sendRaw(envelopeBytes []byte) {
	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()
	assert.NotEqual(self.t, conn, nil)

	self.mutex.Lock()
	err := conn.WriteMessage(websocket.TextMessage, envelopeBytes)
	self.mutex.Unlock()
	assert.Equal(self.t, err, nil)
}

// expect returns the next inbound envelope, which must carry the given op
func (self *testServer) expect(op string) map[string]any {
	select {
	case envelope := <-self.received:
		assert.Equal(self.t, envelope["op"], op)
		return envelope
	case <-time.After(5 * time.Second):
		self.t.Fatalf("timeout waiting for %s", op)
		return nil
	}
}

func receiveResult(t *testing.T, results chan *QueryResult) *QueryResult {
	select {
	case result := <-results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for result")
		return nil
	}
}

func goalsInitOk(sessionId string) map[string]any {
	return map[string]any{
		"op":         OpInitOk,
		"session-id": sessionId,
		"attrs": []any{
			map[string]any{
				"id":               "attr-title",
				"forward-identity": []any{"fwd-title", "goals", "title"},
				"value-type":       "string",
				"cardinality":      "one",
			},
		},
	}
}

func goalsResultBlocks(entityId string, title string) []any {
	return []any{
		map[string]any{
			"data": map[string]any{
				"datalog-result": map[string]any{
					"join-rows": []any{
						[]any{
							[]any{entityId, "attr-title", title, 100},
						},
					},
				},
			},
		},
	}
}

func TestClientEndToEnd(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	appId := uuid.NewString()
	auth := NewMemoryAuthStore("")
	client, err := NewClientWithDefaults(context.Background(), s.wsUrl(), appId, auth)
	assert.Equal(t, err, nil)
	defer client.Disconnect()

	states := make(chan ConnectionState, 16)
	unsubState := client.AddStateCallback(func(state ConnectionState, reason error) {
		states <- state
	})
	defer unsubState()

	client.Connect()

	initEnvelope := s.expect(OpInit)
	assert.Equal(t, initEnvelope["app-id"], appId)
	_, hasEventId := initEnvelope["client-event-id"]
	assert.Equal(t, hasEventId, true)

	s.send(goalsInitOk("s1"))

	assert.Equal(t, <-states, StateConnecting)
	assert.Equal(t, <-states, StateConnected)
	assert.Equal(t, <-states, StateAuthenticated)
	assert.Equal(t, client.SessionId(), "s1")

	// subscribe and receive the initial snapshot
	results := make(chan *QueryResult, 16)
	unsubscribe, err := client.Subscribe(NewQuery("goals").WirePayload(), func(result *QueryResult) {
		results <- result
	})
	assert.Equal(t, err, nil)
	defer unsubscribe()

	loading := receiveResult(t, results)
	assert.Equal(t, loading.State, ResultLoading)

	addQueryEnvelope := s.expect(OpAddQuery)
	clientEventId := addQueryEnvelope["client-event-id"].(string)

	s.send(map[string]any{
		"op":              OpAddQueryOk,
		"client-event-id": clientEventId,
		"result":          goalsResultBlocks("g1", "Ship v1"),
	})

	snapshot := receiveResult(t, results)
	assert.Equal(t, snapshot.State, ResultSuccess)
	assert.Equal(t, snapshot.PageInfo == nil, true)
	goals := snapshot.Data["goals"]
	assert.Equal(t, len(goals), 1)
	assert.Equal(t, goals[0]["id"].Str(), "g1")
	assert.Equal(t, goals[0]["title"].Str(), "Ship v1")

	// a malformed envelope is dropped without affecting the session
	s.sendRaw([]byte("{"))

	// a server push updates the same subscription with no new round trip
	s.send(map[string]any{
		"op": OpRefreshOk,
		"computations": []any{
			map[string]any{
				"instaql-query":  map[string]any{"goals": map[string]any{}},
				"instaql-result": goalsResultBlocks("g1", "Ship v2"),
			},
		},
	})

	refreshed := receiveResult(t, results)
	assert.Equal(t, refreshed.State, ResultSuccess)
	assert.Equal(t, refreshed.Data["goals"][0]["title"].Str(), "Ship v2")

	// transact round trip by correlation id
	transactResults := make(chan *TransactResult, 1)
	transactErrs := make(chan error, 1)
	_, err = client.Transact([]TxOp{
		Update("goals", "g1", map[string]WireValue{
			"title": WireStringValue("Ship v3"),
		}),
	}, func(result *TransactResult, err error) {
		transactResults <- result
		transactErrs <- err
	})
	assert.Equal(t, err, nil)

	// an unexpected add-query here would fail this expect,
	// proving the refresh did not re-send the query
	transactEnvelope := s.expect(OpTransact)
	s.send(map[string]any{
		"op":              OpTransactOk,
		"client-event-id": transactEnvelope["client-event-id"],
		"tx-id":           "tx1",
	})

	select {
	case result := <-transactResults:
		assert.Equal(t, result.TxId, "tx1")
		assert.Equal(t, <-transactErrs, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for transact")
	}

	// unsubscribe sends remove-query, fire and forget
	unsubscribe()
	s.expect(OpRemoveQuery)
}

func TestClientDisconnectSettlesDisconnected(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	appId := uuid.NewString()
	client, err := NewClientWithDefaults(context.Background(), s.wsUrl(), appId, nil)
	assert.Equal(t, err, nil)

	states := make(chan ConnectionState, 16)
	unsubState := client.AddStateCallback(func(state ConnectionState, reason error) {
		states <- state
	})
	defer unsubState()

	client.Connect()
	s.expect(OpInit)
	s.send(goalsInitOk("s1"))

	assert.Equal(t, <-states, StateConnecting)
	assert.Equal(t, <-states, StateConnected)
	assert.Equal(t, <-states, StateAuthenticated)

	client.Disconnect()

	// the server side goes away too. the dying socket's read error must not
	// flip the state to error after a requested disconnect.
	s.mutex.Lock()
	conn := s.conn
	s.mutex.Unlock()
	conn.Close()

	settle := time.After(2 * time.Second)
	settled := false
	for !settled {
		select {
		case state := <-states:
			assert.NotEqual(t, state, StateError)
		case <-settle:
			settled = true
		}
	}
	assert.Equal(t, client.State(), StateDisconnected)
	assert.Equal(t, client.StateReason(), nil)
}

func TestClientQueryError(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	appId := uuid.NewString()
	client, err := NewClientWithDefaults(context.Background(), s.wsUrl(), appId, nil)
	assert.Equal(t, err, nil)
	defer client.Disconnect()

	client.Connect()
	s.expect(OpInit)
	s.send(goalsInitOk("s1"))

	results := make(chan *QueryResult, 16)
	_, err = client.Subscribe(NewQuery("goals").Where("bad", WireNullValue()).WirePayload(), func(result *QueryResult) {
		results <- result
	})
	assert.Equal(t, err, nil)

	loading := receiveResult(t, results)
	assert.Equal(t, loading.State, ResultLoading)

	addQueryEnvelope := s.expect(OpAddQuery)
	s.send(map[string]any{
		"op":              OpError,
		"client-event-id": addQueryEnvelope["client-event-id"],
		"message":         "malformed where clause",
		"hint":            "bad",
	})

	failure := receiveResult(t, results)
	assert.Equal(t, failure.State, ResultFailure)
	var serverErr *ServerError
	assert.Equal(t, errors.As(failure.Err, &serverErr), true)
	assert.Equal(t, serverErr.Message, "malformed where clause")
	assert.Equal(t, serverErr.Hint, "bad")
}

func TestClientTypedSubscription(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	appId := uuid.NewString()
	client, err := NewClientWithDefaults(context.Background(), s.wsUrl(), appId, nil)
	assert.Equal(t, err, nil)
	defer client.Disconnect()

	client.Connect()
	s.expect(OpInit)
	s.send(goalsInitOk("s1"))

	type goal struct {
		Id    string `json:"id"`
		Title string `json:"title"`
	}

	subscription, err := SubscribeInto[goal](client, NewQuery("goals"))
	assert.Equal(t, err, nil)
	defer subscription.Close()

	loading := <-subscription.Updates()
	assert.Equal(t, loading.State, ResultLoading)

	addQueryEnvelope := s.expect(OpAddQuery)
	s.send(map[string]any{
		"op":              OpAddQueryOk,
		"client-event-id": addQueryEnvelope["client-event-id"],
		"result":          goalsResultBlocks("g1", "Ship v1"),
	})

	select {
	case typed := <-subscription.Updates():
		assert.Equal(t, typed.State, ResultSuccess)
		assert.Equal(t, len(typed.Rows), 1)
		assert.Equal(t, typed.Rows[0], goal{Id: "g1", Title: "Ship v1"})
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for typed result")
	}

	// Close is idempotent
	subscription.Close()
	subscription.Close()
}

func TestClientNotConnected(t *testing.T) {
	appId := uuid.NewString()
	client, err := NewClientWithDefaults(context.Background(), "ws://127.0.0.1:1", appId, nil)
	assert.Equal(t, err, nil)
	defer client.Disconnect()

	// never connected: transact fails immediately
	_, err = client.Transact([]TxOp{
		Update("goals", "g1", map[string]WireValue{
			"title": WireStringValue("x"),
		}),
	}, nil)
	var notConnected *NotConnectedError
	assert.Equal(t, errors.As(err, &notConnected), true)

	// subscribe is allowed while disconnected; the add-query send defers
	// to the next successful handshake
	results := []*QueryResult{}
	unsubscribe, err := client.Subscribe(NewQuery("goals").WirePayload(), func(result *QueryResult) {
		results = append(results, result)
	})
	assert.Equal(t, err, nil)
	defer unsubscribe()
	assert.Equal(t, len(results), 1)
	assert.Equal(t, results[0].State, ResultLoading)
}

func TestClientRejectsBadAppId(t *testing.T) {
	_, err := NewClientWithDefaults(context.Background(), "ws://127.0.0.1:1", "not-a-uuid", nil)
	assert.NotEqual(t, err, nil)
}
