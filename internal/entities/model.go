package entities

import (
	"errors"
	"fmt"
	"strings"
)

// EntityType enumerates the synchronized entity families.
type EntityType string

const (
	// EntityTypeGame identifies library games keyed by IGDB game and platform.
	EntityTypeGame EntityType = "game"
	// EntityTypeTag identifies user tags keyed by a numeric id.
	EntityTypeTag EntityType = "tag"
	// EntityTypeView identifies saved views keyed by a numeric id.
	EntityTypeView EntityType = "view"
	// EntityTypeSetting identifies key/value settings.
	EntityTypeSetting EntityType = "setting"
)

// OperationKind enumerates supported client operations.
type OperationKind string

const (
	// OperationKindUpsert represents an insert or update payload.
	OperationKindUpsert OperationKind = "upsert"
	// OperationKindDelete removes the entity addressed by the payload identity.
	OperationKindDelete OperationKind = "delete"
)

const maxKeyLength = 190

var (
	// ErrUnknownEntityType indicates that an entity type is not one of the supported families.
	ErrUnknownEntityType = errors.New("entities: unknown entity type")
	// ErrUnknownOperationKind indicates that an operation kind is neither upsert nor delete.
	ErrUnknownOperationKind = errors.New("entities: unknown operation kind")
	// ErrInvalidPayload indicates that a payload failed validation.
	ErrInvalidPayload = errors.New("entities: invalid payload")
)

// ParseEntityType validates raw input and returns an EntityType.
func ParseEntityType(rawInput string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case EntityTypeGame:
		return EntityTypeGame, nil
	case EntityTypeTag:
		return EntityTypeTag, nil
	case EntityTypeView:
		return EntityTypeView, nil
	case EntityTypeSetting:
		return EntityTypeSetting, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, rawInput)
	}
}

// ParseOperationKind validates raw input and returns an OperationKind.
func ParseOperationKind(rawInput string) (OperationKind, error) {
	switch OperationKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationKindUpsert:
		return OperationKindUpsert, nil
	case OperationKindDelete:
		return OperationKindDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperationKind, rawInput)
	}
}

// ValidationError describes why a single payload field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidPayload, e.Detail())
}

// Detail renders the rejection for clients, without the package prefix.
func (e *ValidationError) Detail() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + " " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

func invalidField(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Payload is a normalized upsert payload. The concrete variants are
// GamePayload, TagPayload, ViewPayload and SettingPayload.
type Payload interface {
	EntityType() EntityType
	EntityKey() string
	isPayload()
}

// Identity is the identity fragment carried by a delete operation.
// The concrete variants are GameIdentity, NumberedIdentity and SettingIdentity.
type Identity interface {
	EntityType() EntityType
	EntityKey() string
	isIdentity()
}
