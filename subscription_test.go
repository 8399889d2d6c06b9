package liveql

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

type sentQuery struct {
	query         WireValue
	clientEventId Id
}

type fakeSender struct {
	mutex   sync.Mutex
	adds    []sentQuery
	removes []WireValue
}

func (self *fakeSender) sendAddQuery(query WireValue, clientEventId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.adds = append(self.adds, sentQuery{query: query, clientEventId: clientEventId})
}

func (self *fakeSender) sendRemoveQuery(query WireValue) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.removes = append(self.removes, query)
}

func (self *fakeSender) addCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.adds)
}

func (self *fakeSender) removeCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.removes)
}

func (self *fakeSender) lastAdd() sentQuery {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.adds[len(self.adds)-1]
}

func goalsQuery(t *testing.T) WireValue {
	var query WireValue
	err := json.Unmarshal([]byte(`{"goals":{}}`), &query)
	assert.Equal(t, err, nil)
	return query
}

// a sender that answers every add-query synchronously, the way a result can
// land before Subscribe gets to its replay
type echoSender struct {
	fakeSender
	subscriptions *SubscriptionMap
	blocks        []*ResultBlock
}

func (self *echoSender) sendAddQuery(query WireValue, clientEventId Id) {
	self.fakeSender.sendAddQuery(query, clientEventId)
	self.subscriptions.HandleResult(clientEventId, self.blocks)
}

func TestSnapshotBeforeReplayOrder(t *testing.T) {
	sender := &echoSender{
		blocks: quadBlocks(
			Quad{EntityId: "g1", AttributeId: "attr-title", Value: WireStringValue("Ship v1"), Timestamp: 100},
		),
	}
	subscriptions := NewSubscriptionMap(sender, testAttrStore())
	sender.subscriptions = subscriptions

	results := []*QueryResult{}
	unsub, err := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {
		results = append(results, result)
	})
	assert.Equal(t, err, nil)
	defer unsub()

	// the replay must observe the result that beat it, never a stale Loading
	assert.Equal(t, 1 <= len(results), true)
	for _, result := range results {
		assert.Equal(t, result.State, ResultSuccess)
	}
	last := results[len(results)-1]
	assert.Equal(t, last.Data["goals"][0]["title"].Str(), "Ship v1")
}

func TestQueryFingerprintDeterminism(t *testing.T) {
	var q1 WireValue
	err := json.Unmarshal([]byte(`{"goals":{"$":{"limit":10,"where":{"done":false}}}}`), &q1)
	assert.Equal(t, err, nil)

	var q2 WireValue
	err = json.Unmarshal([]byte(`{"goals":{"$":{"where":{"done":false},"limit":10}}}`), &q2)
	assert.Equal(t, err, nil)

	assert.Equal(t, QueryFingerprint(q1), QueryFingerprint(q2))

	var q3 WireValue
	err = json.Unmarshal([]byte(`{"goals":{"$":{"limit":11,"where":{"done":false}}}}`), &q3)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, QueryFingerprint(q1), QueryFingerprint(q3))
}

func TestSubscribeDedup(t *testing.T) {
	sender := &fakeSender{}
	subscriptions := NewSubscriptionMap(sender, testAttrStore())

	results1 := []*QueryResult{}
	unsub1, err := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {
		results1 = append(results1, result)
	})
	assert.Equal(t, err, nil)
	defer unsub1()

	results2 := []*QueryResult{}
	unsub2, err := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {
		results2 = append(results2, result)
	})
	assert.Equal(t, err, nil)
	defer unsub2()

	// exactly one add-query for two structurally equal subscriptions
	assert.Equal(t, sender.addCount(), 1)
	assert.Equal(t, subscriptions.Len(), 1)

	// one loading delivery each
	assert.Equal(t, len(results1), 1)
	assert.Equal(t, results1[0].State, ResultLoading)
	assert.Equal(t, len(results2), 1)
	assert.Equal(t, results2[0].State, ResultLoading)
}

func TestLateSubscriberReplay(t *testing.T) {
	sender := &fakeSender{}
	subscriptions := NewSubscriptionMap(sender, testAttrStore())

	unsub1, err := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {})
	assert.Equal(t, err, nil)
	defer unsub1()

	blocks := quadBlocks(
		Quad{EntityId: "g1", AttributeId: "attr-title", Value: WireStringValue("Ship v1"), Timestamp: 100},
	)
	subscriptions.HandleResult(sender.lastAdd().clientEventId, blocks)

	// the cached result is replayed synchronously before Subscribe returns
	results2 := []*QueryResult{}
	unsub2, err := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {
		results2 = append(results2, result)
	})
	assert.Equal(t, err, nil)
	defer unsub2()

	assert.Equal(t, len(results2), 1)
	assert.Equal(t, results2[0].State, ResultSuccess)
	assert.Equal(t, results2[0].Data["goals"][0]["title"].Str(), "Ship v1")
	// no second add-query
	assert.Equal(t, sender.addCount(), 1)
}

func TestReferenceCountedTeardown(t *testing.T) {
	sender := &fakeSender{}
	subscriptions := NewSubscriptionMap(sender, testAttrStore())

	results1 := []*QueryResult{}
	unsub1, _ := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {
		results1 = append(results1, result)
	})
	results2 := []*QueryResult{}
	unsub2, _ := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {
		results2 = append(results2, result)
	})

	unsub1()
	assert.Equal(t, subscriptions.Len(), 1)
	assert.Equal(t, sender.removeCount(), 0)

	// the remaining callback still receives deliveries
	blocks := quadBlocks(
		Quad{EntityId: "g1", AttributeId: "attr-title", Value: WireStringValue("Ship v1"), Timestamp: 100},
	)
	subscriptions.HandleResult(sender.lastAdd().clientEventId, blocks)
	assert.Equal(t, len(results1), 1) // loading only
	assert.Equal(t, len(results2), 2)

	unsub2()
	assert.Equal(t, subscriptions.Len(), 0)
	assert.Equal(t, sender.removeCount(), 1)

	// unsubscribing twice is a no-op
	unsub2()
	unsub1()
	assert.Equal(t, sender.removeCount(), 1)
}

func TestRefreshFanout(t *testing.T) {
	sender := &fakeSender{}
	subscriptions := NewSubscriptionMap(sender, testAttrStore())

	results := []*QueryResult{}
	unsub, _ := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {
		results = append(results, result)
	})
	defer unsub()

	var otherQuery WireValue
	json.Unmarshal([]byte(`{"todos":{}}`), &otherQuery)

	// one computation matches a live fingerprint, one matches nothing
	subscriptions.HandleRefresh([]*Computation{
		{
			Query: goalsQuery(t),
			Result: quadBlocks(
				Quad{EntityId: "g1", AttributeId: "attr-title", Value: WireStringValue("Ship v2"), Timestamp: 200},
			),
		},
		{
			Query:  otherQuery,
			Result: quadBlocks(),
		},
	})

	assert.Equal(t, len(results), 2)
	assert.Equal(t, results[1].State, ResultSuccess)
	assert.Equal(t, results[1].Data["goals"][0]["title"].Str(), "Ship v2")
}

func TestHandleErrorKeepsSubscription(t *testing.T) {
	sender := &fakeSender{}
	subscriptions := NewSubscriptionMap(sender, testAttrStore())

	results := []*QueryResult{}
	unsub, _ := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {
		results = append(results, result)
	})
	defer unsub()

	clientEventId := sender.lastAdd().clientEventId
	subscriptions.HandleError(clientEventId, &ServerError{Message: "bad query"})

	assert.Equal(t, len(results), 2)
	assert.Equal(t, results[1].State, ResultFailure)
	// a failure is not an implicit unsubscribe
	assert.Equal(t, subscriptions.Len(), 1)

	blocks := quadBlocks(
		Quad{EntityId: "g1", AttributeId: "attr-title", Value: WireStringValue("Ship v1"), Timestamp: 100},
	)
	subscriptions.HandleResult(clientEventId, blocks)
	assert.Equal(t, len(results), 3)
	assert.Equal(t, results[2].State, ResultSuccess)
}

func TestResubscribeAll(t *testing.T) {
	sender := &fakeSender{}
	subscriptions := NewSubscriptionMap(sender, testAttrStore())

	results := []*QueryResult{}
	unsub, _ := subscriptions.Subscribe(goalsQuery(t), func(result *QueryResult) {
		results = append(results, result)
	})
	defer unsub()

	firstEventId := sender.lastAdd().clientEventId

	subscriptions.ResubscribeAll()
	assert.Equal(t, sender.addCount(), 2)
	nextEventId := sender.lastAdd().clientEventId
	assert.NotEqual(t, firstEventId, nextEventId)

	// the old correlation id is dead, the new one routes
	blocks := quadBlocks(
		Quad{EntityId: "g1", AttributeId: "attr-title", Value: WireStringValue("Ship v1"), Timestamp: 100},
	)
	subscriptions.HandleResult(firstEventId, blocks)
	assert.Equal(t, len(results), 1)
	subscriptions.HandleResult(nextEventId, blocks)
	assert.Equal(t, len(results), 2)
}

func TestSubscribeRejectsNonMapPayload(t *testing.T) {
	sender := &fakeSender{}
	subscriptions := NewSubscriptionMap(sender, testAttrStore())

	_, err := subscriptions.Subscribe(WireStringValue("goals"), func(result *QueryResult) {})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, sender.addCount(), 0)
}
