package entities

import (
	"encoding/json"
	"strconv"
)

const (
	fieldID      = "id"
	fieldName    = "name"
	fieldColor   = "color"
	fieldFilters = "filters"
	fieldSort    = "sort"
)

// NumberedIdentity addresses a tag or view row by its numeric id.
type NumberedIdentity struct {
	Type EntityType `json:"-"`
	ID   int64      `json:"id"`
}

func (identity NumberedIdentity) EntityType() EntityType { return identity.Type }

func (identity NumberedIdentity) EntityKey() string {
	return strconv.FormatInt(identity.ID, 10)
}

func (NumberedIdentity) isIdentity() {}

// TagPayload is the canonical stored shape of a tag. A zero ID means the server
// allocates one on insert.
type TagPayload struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Color *string `json:"color"`
}

func (TagPayload) EntityType() EntityType { return EntityTypeTag }

func (payload TagPayload) EntityKey() string {
	return strconv.FormatInt(payload.ID, 10)
}

func (TagPayload) isPayload() {}

// ViewPayload is the canonical stored shape of a saved view. Filters is an opaque
// JSON object owned by the client.
type ViewPayload struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name"`
	Filters json.RawMessage `json:"filters"`
	Sort    *string         `json:"sort"`
}

func (ViewPayload) EntityType() EntityType { return EntityTypeView }

func (payload ViewPayload) EntityKey() string {
	return strconv.FormatInt(payload.ID, 10)
}

func (ViewPayload) isPayload() {}

// parseOptionalID reads the client supplied row id. A present id must be a
// positive integer; an absent id yields zero.
func parseOptionalID(fields fieldSet) (int64, error) {
	id, _, err := fields.positiveInt(fieldID)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func parseRequiredName(fields fieldSet) (string, error) {
	raw, _, err := fields.text(fieldName)
	if err != nil {
		return "", err
	}
	name := cleanText(raw)
	if name == "" {
		return "", invalidField(fieldName, "is required")
	}
	return name, nil
}

func parseNumberedIdentity(entityType EntityType, fields fieldSet) (NumberedIdentity, error) {
	id, ok, err := fields.positiveInt(fieldID)
	if err != nil {
		return NumberedIdentity{}, err
	}
	if !ok {
		return NumberedIdentity{}, invalidField(fieldID, "is required")
	}
	return NumberedIdentity{Type: entityType, ID: id}, nil
}

func normalizeTag(fields fieldSet) (TagPayload, error) {
	id, err := parseOptionalID(fields)
	if err != nil {
		return TagPayload{}, err
	}
	name, err := parseRequiredName(fields)
	if err != nil {
		return TagPayload{}, err
	}
	color, _, err := fields.text(fieldColor)
	if err != nil {
		return TagPayload{}, err
	}
	return TagPayload{
		ID:    id,
		Name:  name,
		Color: optionalString(cleanText(color)),
	}, nil
}

func normalizeView(fields fieldSet) (ViewPayload, error) {
	id, err := parseOptionalID(fields)
	if err != nil {
		return ViewPayload{}, err
	}
	name, err := parseRequiredName(fields)
	if err != nil {
		return ViewPayload{}, err
	}
	filters, _, err := fields.object(fieldFilters)
	if err != nil {
		return ViewPayload{}, err
	}
	sort, _, err := fields.text(fieldSort)
	if err != nil {
		return ViewPayload{}, err
	}
	return ViewPayload{
		ID:      id,
		Name:    name,
		Filters: filters,
		Sort:    optionalString(cleanText(sort)),
	}, nil
}
