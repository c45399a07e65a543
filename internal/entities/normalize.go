// Package entities defines the synchronized entity families and the pure
// functions that turn raw client payloads into their canonical shapes.
package entities

import (
	"encoding/json"
	"fmt"
)

// NormalizeUpsert validates a raw upsert payload and returns its canonical variant.
func NormalizeUpsert(entityType EntityType, raw json.RawMessage) (Payload, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	switch entityType {
	case EntityTypeGame:
		return normalizeGame(fields)
	case EntityTypeTag:
		return normalizeTag(fields)
	case EntityTypeView:
		return normalizeView(fields)
	case EntityTypeSetting:
		return normalizeSetting(fields)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
}

// NormalizeDelete validates only the identity fields of a delete payload.
func NormalizeDelete(entityType EntityType, raw json.RawMessage) (Identity, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	switch entityType {
	case EntityTypeGame:
		return parseGameIdentity(fields)
	case EntityTypeTag, EntityTypeView:
		return parseNumberedIdentity(entityType, fields)
	case EntityTypeSetting:
		return parseSettingIdentity(fields)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
}
