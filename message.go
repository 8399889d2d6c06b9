package liveql

import (
	"encoding/json"
	"fmt"
)

// json envelopes with an `op` discriminator. wire keys are hyphenated.
// decoding tolerates unknown fields for forward compatibility.

const (
	OpInit        = "init"
	OpAddQuery    = "add-query"
	OpRemoveQuery = "remove-query"
	OpTransact    = "transact"

	OpInitOk         = "init-ok"
	OpAddQueryOk     = "add-query-ok"
	OpAddQueryExists = "add-query-exists"
	OpRemoveQueryOk  = "remove-query-ok"
	OpRefreshOk      = "refresh-ok"
	OpTransactOk     = "transact-ok"
	OpError          = "error"
)

type InitMessage struct {
	Op            string `json:"op"`
	ClientEventId Id     `json:"client-event-id"`
	AppId         string `json:"app-id"`
	RefreshToken  string `json:"refresh-token,omitempty"`
}

type AddQueryMessage struct {
	Op            string    `json:"op"`
	ClientEventId Id        `json:"client-event-id"`
	Q             WireValue `json:"q"`
}

type RemoveQueryMessage struct {
	Op            string    `json:"op"`
	ClientEventId Id        `json:"client-event-id"`
	Q             WireValue `json:"q"`
}

type TransactMessage struct {
	Op            string      `json:"op"`
	ClientEventId Id          `json:"client-event-id"`
	TxSteps       []WireValue `json:"tx-steps"`
}

func EncodeMessage(message any) ([]byte, error) {
	b, err := json.Marshal(message)
	if err != nil {
		return nil, &EncodingError{Message: "cannot encode message", Cause: err}
	}
	return b, nil
}

// every inbound op decodes into one envelope shape.
// fields not used by an op are simply absent.
type ServerEnvelope struct {
	Op            string         `json:"op"`
	ClientEventId *Id            `json:"client-event-id,omitempty"`
	SessionId     string         `json:"session-id,omitempty"`
	Attrs         []*Attribute   `json:"attrs,omitempty"`
	Auth          *SessionAuth   `json:"auth,omitempty"`
	Q             WireValue      `json:"q,omitempty"`
	Result        []*ResultBlock `json:"result,omitempty"`
	Computations  []*Computation `json:"computations,omitempty"`
	TxId          string         `json:"tx-id,omitempty"`
	Message       string         `json:"message,omitempty"`
	Hint          WireValue      `json:"hint,omitempty"`
}

func DecodeServerEnvelope(envelopeBytes []byte) (*ServerEnvelope, error) {
	envelope := &ServerEnvelope{}
	if err := json.Unmarshal(envelopeBytes, envelope); err != nil {
		return nil, &DecodingError{Message: "bad envelope", Cause: err}
	}
	if envelope.Op == "" {
		return nil, &DecodingError{Message: "envelope missing op"}
	}
	return envelope, nil
}

type SessionAuth struct {
	User *User `json:"user,omitempty"`
}

type User struct {
	Id           string `json:"id,omitempty"`
	Email        string `json:"email,omitempty"`
	RefreshToken string `json:"refresh-token,omitempty"`
}

const (
	CardinalityOne  = "one"
	CardinalityMany = "many"
)

const (
	ValueTypeString    = "string"
	ValueTypeNumber    = "number"
	ValueTypeBoolean   = "boolean"
	ValueTypeDate      = "date"
	ValueTypeJson      = "json"
	ValueTypeBlob      = "blob"
	ValueTypeReference = "ref"
)

// one column/edge of the server schema. received in bulk on init-ok,
// replaced wholesale on reconnect, immutable once created. see attrs.go.
type Attribute struct {
	Id              string          `json:"id"`
	ForwardIdentity AttributeIdent  `json:"forward-identity"`
	ReverseIdentity *AttributeIdent `json:"reverse-identity,omitempty"`
	ValueType       string          `json:"value-type,omitempty"`
	Cardinality     string          `json:"cardinality,omitempty"`
	Unique          bool            `json:"unique?,omitempty"`
	Indexed         bool            `json:"indexed?,omitempty"`
}

// wire form is the array [id, namespace, label]
type AttributeIdent struct {
	Id        string
	Namespace string
	Label     string
}

func (self AttributeIdent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{self.Id, self.Namespace, self.Label})
}

func (self *AttributeIdent) UnmarshalJSON(src []byte) error {
	var parts []string
	if err := json.Unmarshal(src, &parts); err != nil {
		return &DecodingError{Message: "bad attribute identity", Cause: err}
	}
	if len(parts) != 3 {
		return &DecodingError{Message: fmt.Sprintf("attribute identity must have 3 elements, got %d", len(parts))}
	}
	self.Id = parts[0]
	self.Namespace = parts[1]
	self.Label = parts[2]
	return nil
}

// one (entity, attribute, value, timestamp) fact.
// wire form is the array [entityId, attributeId, value, timestamp].
// not retained past one normalization pass.
type Quad struct {
	EntityId    string
	AttributeId string
	Value       WireValue
	Timestamp   int64
}

func (self Quad) MarshalJSON() ([]byte, error) {
	return marshalFact(self.EntityId, self.AttributeId, self.Value, self.Timestamp)
}

func (self *Quad) UnmarshalJSON(src []byte) error {
	entityId, attributeId, value, timestamp, err := unmarshalFact(src)
	if err != nil {
		return err
	}
	self.EntityId = entityId
	self.AttributeId = attributeId
	self.Value = value
	self.Timestamp = timestamp
	return nil
}

// opaque row boundary for pagination. same wire form as a quad.
type Cursor struct {
	EntityId    string
	AttributeId string
	Value       WireValue
	Timestamp   int64
}

func (self Cursor) Equal(other Cursor) bool {
	return self.EntityId == other.EntityId &&
		self.AttributeId == other.AttributeId &&
		self.Value.Equal(other.Value) &&
		self.Timestamp == other.Timestamp
}

// stable key for use in maps and dedup
func (self Cursor) Key() string {
	b, _ := self.MarshalJSON()
	return string(b)
}

func (self Cursor) MarshalJSON() ([]byte, error) {
	return marshalFact(self.EntityId, self.AttributeId, self.Value, self.Timestamp)
}

func (self *Cursor) UnmarshalJSON(src []byte) error {
	entityId, attributeId, value, timestamp, err := unmarshalFact(src)
	if err != nil {
		return err
	}
	self.EntityId = entityId
	self.AttributeId = attributeId
	self.Value = value
	self.Timestamp = timestamp
	return nil
}

func marshalFact(entityId string, attributeId string, value WireValue, timestamp int64) ([]byte, error) {
	return json.Marshal([]WireValue{
		WireStringValue(entityId),
		WireStringValue(attributeId),
		value,
		WireNumberValue(float64(timestamp)),
	})
}

func unmarshalFact(src []byte) (entityId string, attributeId string, value WireValue, timestamp int64, err error) {
	var parts []WireValue
	if err = json.Unmarshal(src, &parts); err != nil {
		err = &DecodingError{Message: "bad fact tuple", Cause: err}
		return
	}
	if len(parts) != 4 {
		err = &DecodingError{Message: fmt.Sprintf("fact tuple must have 4 elements, got %d", len(parts))}
		return
	}
	entityId = factIdString(parts[0])
	attributeId = factIdString(parts[1])
	value = parts[2]
	timestamp = int64(parts[3].Number())
	return
}

// entity and attribute ids are normally uuid strings,
// but some servers emit numeric ids
func factIdString(v WireValue) string {
	switch v.Kind() {
	case WireString:
		return v.Str()
	default:
		return string(v.CanonicalJSON())
	}
}

type ResultBlock struct {
	Data ResultData `json:"data"`
}

type ResultData struct {
	DatalogResult DatalogResult            `json:"datalog-result"`
	PageInfo      map[string]*PageInfoBody `json:"page-info,omitempty"`
}

type DatalogResult struct {
	JoinRows [][]Quad `json:"join-rows"`
}

type PageInfoBody struct {
	StartCursor     *Cursor `json:"start-cursor,omitempty"`
	EndCursor       *Cursor `json:"end-cursor,omitempty"`
	HasNextPage     bool    `json:"has-next-page?,omitempty"`
	HasPreviousPage bool    `json:"has-previous-page?,omitempty"`
}

// one server-pushed recomputation of an active query
type Computation struct {
	Query  WireValue      `json:"instaql-query"`
	Result []*ResultBlock `json:"instaql-result"`
}
