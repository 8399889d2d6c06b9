package liveql

import (
	"github.com/golang/glog"
)

// converts the server's flat quad representation into nested entities.
// the server runs the query; this pass only reshapes its output.

// one plain entity: field label -> value, with "id" always present
type Entity = map[string]WireValue

// namespace -> entities
type NormalizedResult = map[string][]Entity

type entityKey struct {
	namespace string
	entityId  string
}

// NormalizeResult flattens every join-row group from every result block and
// groups the quads by (namespace, entity). quad order carries no semantic
// meaning. a quad whose attribute id is not in the store is dropped silently:
// unresolved attributes occur transiently during reconnect races and are not
// an error. a field labeled "id" never becomes an entity field, since the
// entity id is carried structurally.
func NormalizeResult(blocks []*ResultBlock, attrs *AttrStore) NormalizedResult {
	result := NormalizedResult{}
	entities := map[entityKey]Entity{}

	for _, block := range blocks {
		for _, joinRow := range block.Data.DatalogResult.JoinRows {
			for _, quad := range joinRow {
				attr, ok := attrs.Get(quad.AttributeId)
				if !ok {
					glog.V(2).Infof("[n]drop quad with unknown attr %s\n", quad.AttributeId)
					continue
				}
				namespace := attr.ForwardIdentity.Namespace
				label := attr.ForwardIdentity.Label

				key := entityKey{namespace: namespace, entityId: quad.EntityId}
				entity, ok := entities[key]
				if !ok {
					entity = Entity{"id": WireStringValue(quad.EntityId)}
					entities[key] = entity
					result[namespace] = append(result[namespace], entity)
				}
				if label == "id" {
					continue
				}
				// last write wins on duplicate quads for one field
				entity[label] = quad.Value
			}
		}
	}

	return result
}

type PageInfo struct {
	StartCursor     *Cursor
	EndCursor       *Cursor
	HasNextPage     bool
	HasPreviousPage bool
}

// ExtractPageInfo reads the page-info section of the first result block for the
// first of `namespaces` that has an entry. page info is only present when the
// originating query asked for bounded pagination; absent container or
// namespace yields nil, not an error. absent booleans default to false.
func ExtractPageInfo(blocks []*ResultBlock, namespaces []string) *PageInfo {
	if len(blocks) == 0 {
		return nil
	}
	pageInfoByNamespace := blocks[0].Data.PageInfo
	if len(pageInfoByNamespace) == 0 {
		return nil
	}
	for _, namespace := range namespaces {
		if body, ok := pageInfoByNamespace[namespace]; ok && body != nil {
			return &PageInfo{
				StartCursor:     body.StartCursor,
				EndCursor:       body.EndCursor,
				HasNextPage:     body.HasNextPage,
				HasPreviousPage: body.HasPreviousPage,
			}
		}
	}
	return nil
}
