package liveql

import (
	"sync"

	"golang.org/x/exp/maps"
)

// AttrStore owns the attribute metadata for one session.
// the server sends the full list on init-ok and the store is replaced wholesale
// on every reconnect. a transaction that introduces a brand-new field appends an
// optimistic attribute locally before the server confirms it.
type AttrStore struct {
	mutex sync.Mutex

	attrsById    map[string]*Attribute
	attrsByIdent map[attrIdentKey]*Attribute
}

type attrIdentKey struct {
	namespace string
	label     string
}

func NewAttrStore() *AttrStore {
	return &AttrStore{
		attrsById:    map[string]*Attribute{},
		attrsByIdent: map[attrIdentKey]*Attribute{},
	}
}

func (self *AttrStore) ReplaceAll(attrs []*Attribute) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	maps.Clear(self.attrsById)
	maps.Clear(self.attrsByIdent)
	for _, attr := range attrs {
		self.addLocked(attr)
	}
}

// optimistic local append. an attribute already known by id or by
// (namespace, label) is left as-is, since attributes are immutable once created.
func (self *AttrStore) Add(attr *Attribute) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.attrsById[attr.Id]; ok {
		return
	}
	identKey := attrIdentKey{
		namespace: attr.ForwardIdentity.Namespace,
		label:     attr.ForwardIdentity.Label,
	}
	if _, ok := self.attrsByIdent[identKey]; ok {
		return
	}
	self.addLocked(attr)
}

func (self *AttrStore) addLocked(attr *Attribute) {
	self.attrsById[attr.Id] = attr
	self.attrsByIdent[attrIdentKey{
		namespace: attr.ForwardIdentity.Namespace,
		label:     attr.ForwardIdentity.Label,
	}] = attr
}

func (self *AttrStore) Get(attrId string) (*Attribute, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	attr, ok := self.attrsById[attrId]
	return attr, ok
}

func (self *AttrStore) GetByIdent(namespace string, label string) (*Attribute, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	attr, ok := self.attrsByIdent[attrIdentKey{namespace: namespace, label: label}]
	return attr, ok
}

func (self *AttrStore) All() []*Attribute {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Values(self.attrsById)
}

func (self *AttrStore) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.attrsById)
}

func (self *AttrStore) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	maps.Clear(self.attrsById)
	maps.Clear(self.attrsByIdent)
}
