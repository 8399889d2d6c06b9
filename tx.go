package liveql

import (
	"fmt"
	"sort"

	"golang.org/x/exp/maps"
)

// declarative mutation ops compiled into wire tx-steps. the compiler resolves
// (namespace, label) against the attribute store and optimistically registers a
// local attribute for any brand-new field, emitting an add-attr step ahead of
// the triple that uses it. the server confirms or replaces the optimistic
// attribute on the next init-ok.

type txOpKind int

const (
	txCreate txOpKind = iota
	txUpdate
	txMerge
	txDelete
	txLink
	txUnlink
)

type TxOp struct {
	kind      txOpKind
	namespace string
	entityId  string
	fields    map[string]WireValue
	label     string
	targetIds []string
}

// Create writes an entity's fields and its id triple
func Create(namespace string, entityId string, fields map[string]WireValue) TxOp {
	return TxOp{kind: txCreate, namespace: namespace, entityId: entityId, fields: fields}
}

// Update writes fields on an existing entity
func Update(namespace string, entityId string, fields map[string]WireValue) TxOp {
	return TxOp{kind: txUpdate, namespace: namespace, entityId: entityId, fields: fields}
}

// Merge deep-merges json values into existing fields
func Merge(namespace string, entityId string, fields map[string]WireValue) TxOp {
	return TxOp{kind: txMerge, namespace: namespace, entityId: entityId, fields: fields}
}

func Delete(namespace string, entityId string) TxOp {
	return TxOp{kind: txDelete, namespace: namespace, entityId: entityId}
}

func Link(namespace string, entityId string, label string, targetIds ...string) TxOp {
	return TxOp{kind: txLink, namespace: namespace, entityId: entityId, label: label, targetIds: targetIds}
}

func Unlink(namespace string, entityId string, label string, targetIds ...string) TxOp {
	return TxOp{kind: txUnlink, namespace: namespace, entityId: entityId, label: label, targetIds: targetIds}
}

// CompileTxSteps turns declarative ops into the tagged tuples the server
// expects: add-triple, deep-merge-triple, retract-triple, delete-entity,
// add-attr.
func CompileTxSteps(attrs *AttrStore, ops []TxOp) ([]WireValue, error) {
	compiler := &txCompiler{
		attrs: attrs,
	}
	for _, op := range ops {
		if err := compiler.compile(op); err != nil {
			return nil, err
		}
	}
	return compiler.steps, nil
}

type txCompiler struct {
	attrs *AttrStore
	steps []WireValue
}

func (self *txCompiler) compile(op TxOp) error {
	if op.namespace == "" || op.entityId == "" {
		return &InvalidQueryError{Message: "tx op requires namespace and entity id"}
	}
	switch op.kind {
	case txCreate:
		idAttr := self.resolveAttr(op.namespace, "id", ValueTypeString)
		self.addStep("add-triple", op.entityId, idAttr.Id, WireStringValue(op.entityId))
		return self.compileFields(op, "add-triple")
	case txUpdate:
		return self.compileFields(op, "add-triple")
	case txMerge:
		return self.compileFields(op, "deep-merge-triple")
	case txDelete:
		self.steps = append(self.steps, WireListValue(
			WireStringValue("delete-entity"),
			WireStringValue(op.entityId),
			WireStringValue(op.namespace),
		))
		return nil
	case txLink:
		attr := self.resolveRefAttr(op.namespace, op.label)
		for _, targetId := range op.targetIds {
			self.addStep("add-triple", op.entityId, attr.Id, WireStringValue(targetId))
		}
		return nil
	case txUnlink:
		attr := self.resolveRefAttr(op.namespace, op.label)
		for _, targetId := range op.targetIds {
			self.addStep("retract-triple", op.entityId, attr.Id, WireStringValue(targetId))
		}
		return nil
	default:
		return &InvalidQueryError{Message: fmt.Sprintf("unknown tx op kind %d", op.kind)}
	}
}

func (self *txCompiler) compileFields(op TxOp, tag string) error {
	labels := maps.Keys(op.fields)
	sort.Strings(labels)
	for _, label := range labels {
		if label == "id" {
			// id is carried by the create step, never a plain field
			continue
		}
		attr := self.resolveAttr(op.namespace, label, ValueTypeBlob)
		self.addStep(tag, op.entityId, attr.Id, op.fields[label])
	}
	return nil
}

func (self *txCompiler) addStep(tag string, entityId string, attrId string, value WireValue) {
	self.steps = append(self.steps, WireListValue(
		WireStringValue(tag),
		WireStringValue(entityId),
		WireStringValue(attrId),
		value,
	))
}

// resolveAttr returns the known attribute for (namespace, label), or registers
// an optimistic one and emits its add-attr step first.
func (self *txCompiler) resolveAttr(namespace string, label string, valueType string) *Attribute {
	if attr, ok := self.attrs.GetByIdent(namespace, label); ok {
		return attr
	}
	attr := &Attribute{
		Id: NewId().String(),
		ForwardIdentity: AttributeIdent{
			Id:        NewId().String(),
			Namespace: namespace,
			Label:     label,
		},
		ValueType:   valueType,
		Cardinality: CardinalityOne,
		Unique:      label == "id",
		Indexed:     label == "id",
	}
	self.attrs.Add(attr)
	self.steps = append(self.steps, WireListValue(
		WireStringValue("add-attr"),
		RequireWireValueOf(attr),
	))
	return attr
}

func (self *txCompiler) resolveRefAttr(namespace string, label string) *Attribute {
	if attr, ok := self.attrs.GetByIdent(namespace, label); ok {
		return attr
	}
	attr := &Attribute{
		Id: NewId().String(),
		ForwardIdentity: AttributeIdent{
			Id:        NewId().String(),
			Namespace: namespace,
			Label:     label,
		},
		ValueType:   ValueTypeReference,
		Cardinality: CardinalityMany,
	}
	self.attrs.Add(attr)
	self.steps = append(self.steps, WireListValue(
		WireStringValue("add-attr"),
		RequireWireValueOf(attr),
	))
	return attr
}

type TransactResult struct {
	TxId string
}

type TransactFunction = func(result *TransactResult, err error)
