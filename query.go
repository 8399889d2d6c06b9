package liveql

import (
	"encoding/json"
	"sync"

	"golang.org/x/exp/maps"
)

// immutable chainable query descriptor. every modifier returns a copy, so a
// partially built query is safe to reuse as a template.

type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

type Query struct {
	namespace      string
	where          map[string]WireValue
	orderField     string
	orderDirection OrderDirection
	limit          *int
	offset         *int
	first          *int
	last           *int
	after          *Cursor
	before         *Cursor
	children       []Query
}

func NewQuery(namespace string) Query {
	return Query{
		namespace: namespace,
	}
}

func (self Query) Namespace() string {
	return self.namespace
}

func (self Query) Where(field string, value WireValue) Query {
	where := maps.Clone(self.where)
	if where == nil {
		where = map[string]WireValue{}
	}
	where[field] = value
	self.where = where
	return self
}

func (self Query) OrderBy(field string, direction OrderDirection) Query {
	self.orderField = field
	self.orderDirection = direction
	return self
}

func (self Query) Limit(n int) Query {
	self.limit = &n
	return self
}

func (self Query) Offset(n int) Query {
	self.offset = &n
	return self
}

func (self Query) First(n int) Query {
	self.first = &n
	return self
}

func (self Query) Last(n int) Query {
	self.last = &n
	return self
}

func (self Query) After(cursor Cursor) Query {
	self.after = &cursor
	return self
}

func (self Query) Before(cursor Cursor) Query {
	self.before = &cursor
	return self
}

// With nests a child namespace so linked entities come back with the parent
func (self Query) With(child Query) Query {
	children := make([]Query, 0, len(self.children)+1)
	children = append(children, self.children...)
	children = append(children, child)
	self.children = children
	return self
}

// WirePayload compiles the descriptor into the nested
// {namespace: {childNamespace: {...}, "$": {modifiers}}} wire shape.
// absent modifiers are omitted entirely, never sent as null or empty.
func (self Query) WirePayload() WireValue {
	return WireMapValue(map[string]WireValue{
		self.namespace: self.body(),
	})
}

func (self Query) body() WireValue {
	body := map[string]WireValue{}
	for _, child := range self.children {
		body[child.namespace] = child.body()
	}

	modifiers := map[string]WireValue{}
	if 0 < len(self.where) {
		modifiers["where"] = WireMapValue(maps.Clone(self.where))
	}
	if self.orderField != "" {
		modifiers["order"] = WireMapValue(map[string]WireValue{
			self.orderField: WireStringValue(string(self.orderDirection)),
		})
	}
	if self.limit != nil {
		modifiers["limit"] = WireNumberValue(float64(*self.limit))
	}
	if self.offset != nil {
		modifiers["offset"] = WireNumberValue(float64(*self.offset))
	}
	if self.first != nil {
		modifiers["first"] = WireNumberValue(float64(*self.first))
	}
	if self.last != nil {
		modifiers["last"] = WireNumberValue(float64(*self.last))
	}
	if self.after != nil {
		modifiers["after"] = RequireWireValueOf(*self.after)
	}
	if self.before != nil {
		modifiers["before"] = RequireWireValueOf(*self.before)
	}
	if 0 < len(modifiers) {
		body["$"] = WireMapValue(modifiers)
	}

	return WireMapValue(body)
}

// DecodeEntities decodes normalized entities into a declared row type via
// their json form.
func DecodeEntities[T any](entities []Entity) ([]T, error) {
	b, err := json.Marshal(entities)
	if err != nil {
		return nil, &EncodingError{Message: "cannot encode entities", Cause: err}
	}
	var rows []T
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, &DecodingError{Message: "entities do not match row type", Cause: err}
	}
	return rows, nil
}

// one typed delivery. decode failures surface as a Failure result rather than
// escaping the dispatch loop.
type TypedResult[T any] struct {
	State    ResultState
	Rows     []T
	PageInfo *PageInfo
	Err      error
}

// a live typed subscription. Updates yields results in server delivery order:
// Loading first, then one delivery per snapshot or refresh. Close is
// idempotent and unsubscribes exactly once.
type TypedSubscription[T any] struct {
	updates     chan *TypedResult[T]
	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()
}

func SubscribeInto[T any](client *Client, query Query) (*TypedSubscription[T], error) {
	namespace := query.Namespace()
	subscription := &TypedSubscription[T]{
		updates: make(chan *TypedResult[T], 32),
		done:    make(chan struct{}),
	}

	unsubscribe, err := client.Subscribe(query.WirePayload(), func(result *QueryResult) {
		typed := decodeTypedResult[T](namespace, result)
		select {
		case subscription.updates <- typed:
		case <-subscription.done:
		}
	})
	if err != nil {
		return nil, err
	}
	subscription.unsubscribe = unsubscribe
	return subscription, nil
}

func (self *TypedSubscription[T]) Updates() <-chan *TypedResult[T] {
	return self.updates
}

// Close stops deliveries and releases the registry record reference.
// safe to call more than once.
func (self *TypedSubscription[T]) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
		self.unsubscribe()
	})
}

func decodeTypedResult[T any](namespace string, result *QueryResult) *TypedResult[T] {
	switch result.State {
	case ResultSuccess:
		rows, err := DecodeEntities[T](result.Data[namespace])
		if err != nil {
			return &TypedResult[T]{State: ResultFailure, Err: err}
		}
		return &TypedResult[T]{State: ResultSuccess, Rows: rows, PageInfo: result.PageInfo}
	case ResultFailure:
		return &TypedResult[T]{State: ResultFailure, Err: result.Err}
	default:
		return &TypedResult[T]{State: ResultLoading}
	}
}
