package liveql

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// central subscription bookkeeping. one record per query fingerprint, no matter
// how many subscribers joined. every entry point is safe to call concurrently;
// the registry mutex serializes the maps, and each record's delivery mutex
// serializes lastResult updates with callback invocation, so subscribers
// observe results in server delivery order and a replay can never land after
// a newer result. callbacks run outside the registry mutex.

type ResultState int

const (
	ResultLoading ResultState = iota
	ResultSuccess
	ResultFailure
)

// tri-state delivery to subscribers. a Failure is terminal for that delivery
// but not an implicit unsubscribe: the subscription stays registered and may
// later receive a Success, e.g. after reconnect.
type QueryResult struct {
	State    ResultState
	Data     NormalizedResult
	PageInfo *PageInfo
	Err      error
}

func LoadingResult() *QueryResult {
	return &QueryResult{State: ResultLoading}
}

func SuccessResult(data NormalizedResult, pageInfo *PageInfo) *QueryResult {
	return &QueryResult{State: ResultSuccess, Data: data, PageInfo: pageInfo}
}

func FailureResult(err error) *QueryResult {
	return &QueryResult{State: ResultFailure, Err: err}
}

type QueryResultFunction = func(result *QueryResult)

// QueryFingerprint is the dedup key: two structurally equal query payloads
// produce the same fingerprint regardless of key order.
func QueryFingerprint(query WireValue) string {
	sum := sha256.Sum256(query.CanonicalJSON())
	return hex.EncodeToString(sum[:])
}

// how the registry reaches the wire. implemented by Client.
type querySender interface {
	sendAddQuery(query WireValue, clientEventId Id)
	// fire and forget
	sendRemoveQuery(query WireValue)
}

type subscriptionRecord struct {
	fingerprint   string
	query         WireValue
	namespaces    []string
	clientEventId Id
	callbacks     *CallbackList[QueryResultFunction]

	// delivery guards lastResult and is held while invoking callbacks, so
	// a subscribe-time replay and an inbound result cannot interleave out
	// of order for the same record
	delivery   sync.Mutex
	lastResult *QueryResult
}

type SubscriptionMap struct {
	sender querySender
	attrs  *AttrStore

	mutex            sync.Mutex
	records          map[string]*subscriptionRecord
	recordsByEventId map[Id]*subscriptionRecord
}

func NewSubscriptionMap(sender querySender, attrs *AttrStore) *SubscriptionMap {
	return &SubscriptionMap{
		sender:           sender,
		attrs:            attrs,
		records:          map[string]*subscriptionRecord{},
		recordsByEventId: map[Id]*subscriptionRecord{},
	}
}

// Subscribe registers `callback` for the query's fingerprint. the first
// subscriber for a fingerprint triggers one add-query send; later subscribers
// join the existing record. the callback is always invoked synchronously once
// before Subscribe returns, with the cached result if one arrived already, or
// with Loading. the returned unsubscribe func is idempotent; removing the last
// callback deletes the record and sends remove-query, fire and forget.
func (self *SubscriptionMap) Subscribe(query WireValue, callback QueryResultFunction) (func(), error) {
	if query.Kind() != WireMap {
		return nil, &InvalidQueryError{Message: "query payload must be a map of namespaces"}
	}
	fingerprint := QueryFingerprint(query)

	self.mutex.Lock()
	record, ok := self.records[fingerprint]
	isNew := !ok
	if isNew {
		record = &subscriptionRecord{
			fingerprint:   fingerprint,
			query:         query,
			namespaces:    queryNamespaces(query),
			clientEventId: NewId(),
			callbacks:     NewCallbackList[QueryResultFunction](),
			lastResult:    LoadingResult(),
		}
		self.records[fingerprint] = record
		self.recordsByEventId[record.clientEventId] = record
	}
	callbackId := record.callbacks.Add(callback)
	clientEventId := record.clientEventId
	self.mutex.Unlock()

	if isNew {
		self.sender.sendAddQuery(query, clientEventId)
		glog.V(1).Infof("[sub]add %s %s\n", fingerprint[:8], clientEventId)
	}

	// replay under the record's delivery lock. if a result for this record
	// raced ahead of this point, the replay observes it instead of a stale
	// Loading, and no newer delivery can slot in before the replay lands.
	record.delivery.Lock()
	replay := record.lastResult
	protectCallback(func() {
		callback(replay)
	})
	record.delivery.Unlock()

	unsubscribed := false
	return func() {
		self.mutex.Lock()
		if unsubscribed {
			self.mutex.Unlock()
			return
		}
		unsubscribed = true
		record.callbacks.Remove(callbackId)
		removeRecord := false
		if record.callbacks.Len() == 0 && self.records[fingerprint] == record {
			delete(self.records, fingerprint)
			delete(self.recordsByEventId, record.clientEventId)
			removeRecord = true
		}
		self.mutex.Unlock()

		if removeRecord {
			self.sender.sendRemoveQuery(record.query)
			glog.V(1).Infof("[sub]remove %s\n", fingerprint[:8])
		}
	}, nil
}

// HandleResult routes an add-query-ok / add-query-exists snapshot to the record
// matching the echoed correlation id. an unknown correlation id is ignored:
// the subscription may have been torn down while the request was in flight.
func (self *SubscriptionMap) HandleResult(clientEventId Id, blocks []*ResultBlock) {
	self.mutex.Lock()
	record, ok := self.recordsByEventId[clientEventId]
	self.mutex.Unlock()
	if !ok {
		glog.V(2).Infof("[sub]result for unknown event %s\n", clientEventId)
		return
	}
	self.deliver(record, blocks)
}

// HandleRefresh fans a server push out to every matching record. a computation
// whose fingerprint matches no active subscription is another client's query
// and is ignored silently.
func (self *SubscriptionMap) HandleRefresh(computations []*Computation) {
	for _, computation := range computations {
		fingerprint := QueryFingerprint(computation.Query)
		self.mutex.Lock()
		record, ok := self.records[fingerprint]
		self.mutex.Unlock()
		if !ok {
			glog.V(2).Infof("[sub]refresh for inactive query %s\n", fingerprint[:8])
			continue
		}
		self.deliver(record, computation.Result)
	}
}

// deliver normalizes, caches and notifies. the record's delivery lock is held
// across the cache update and the callback invocations.
func (self *SubscriptionMap) deliver(record *subscriptionRecord, blocks []*ResultBlock) {
	data := NormalizeResult(blocks, self.attrs)
	pageInfo := ExtractPageInfo(blocks, record.namespaces)
	result := SuccessResult(data, pageInfo)

	record.delivery.Lock()
	defer record.delivery.Unlock()

	record.lastResult = result
	for _, callback := range record.callbacks.Get() {
		callback := callback
		protectCallback(func() {
			callback(result)
		})
	}
}

// HandleError routes a query-scoped server error to the affected record's
// callbacks as a Failure result. the record stays registered.
func (self *SubscriptionMap) HandleError(clientEventId Id, err error) {
	self.mutex.Lock()
	record, ok := self.recordsByEventId[clientEventId]
	self.mutex.Unlock()
	if !ok {
		glog.V(2).Infof("[sub]error for unknown event %s = %s\n", clientEventId, err)
		return
	}
	result := FailureResult(err)

	record.delivery.Lock()
	defer record.delivery.Unlock()

	record.lastResult = result
	for _, callback := range record.callbacks.Get() {
		callback := callback
		protectCallback(func() {
			callback(result)
		})
	}
}

// HasEventId reports whether a correlation id belongs to an outstanding query.
// the orchestrator uses this to classify inbound error envelopes.
func (self *SubscriptionMap) HasEventId(clientEventId Id) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, ok := self.recordsByEventId[clientEventId]
	return ok
}

// ResubscribeAll re-issues add-query for every live record with a fresh
// correlation id. called by the orchestrator after a reconnect handshake.
func (self *SubscriptionMap) ResubscribeAll() {
	type resend struct {
		query         WireValue
		clientEventId Id
	}

	self.mutex.Lock()
	fingerprints := maps.Keys(self.records)
	sort.Strings(fingerprints)
	resends := make([]resend, 0, len(fingerprints))
	for _, fingerprint := range fingerprints {
		record := self.records[fingerprint]
		delete(self.recordsByEventId, record.clientEventId)
		record.clientEventId = NewId()
		self.recordsByEventId[record.clientEventId] = record
		resends = append(resends, resend{
			query:         record.query,
			clientEventId: record.clientEventId,
		})
	}
	self.mutex.Unlock()

	for _, r := range resends {
		self.sender.sendAddQuery(r.query, r.clientEventId)
	}
	if 0 < len(resends) {
		glog.V(1).Infof("[sub]resubscribed %d queries\n", len(resends))
	}
}

func (self *SubscriptionMap) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.records)
}

// the top-level keys of a query payload, sorted
func queryNamespaces(query WireValue) []string {
	namespaces := maps.Keys(query.Map())
	sort.Strings(namespaces)
	return namespaces
}
