package entities

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	fieldKey   = "key"
	fieldValue = "value"
)

// SettingIdentity addresses a setting by key.
type SettingIdentity struct {
	Key string `json:"key"`
}

func (SettingIdentity) EntityType() EntityType { return EntityTypeSetting }

func (identity SettingIdentity) EntityKey() string { return identity.Key }

func (SettingIdentity) isIdentity() {}

// SettingPayload is the canonical stored shape of a setting.
type SettingPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (SettingPayload) EntityType() EntityType { return EntityTypeSetting }

func (payload SettingPayload) EntityKey() string { return payload.Key }

func (SettingPayload) isPayload() {}

func parseSettingIdentity(fields fieldSet) (SettingIdentity, error) {
	raw, _, err := fields.text(fieldKey)
	if err != nil {
		return SettingIdentity{}, err
	}
	key := strings.TrimSpace(raw)
	if key == "" {
		return SettingIdentity{}, invalidField(fieldKey, "is required")
	}
	if utf8.RuneCountInString(key) > maxKeyLength {
		return SettingIdentity{}, invalidField(fieldKey, fmt.Sprintf("exceeds %d characters", maxKeyLength))
	}
	return SettingIdentity{Key: key}, nil
}

func normalizeSetting(fields fieldSet) (SettingPayload, error) {
	identity, err := parseSettingIdentity(fields)
	if err != nil {
		return SettingPayload{}, err
	}
	value, _, err := fields.text(fieldValue)
	if err != nil {
		return SettingPayload{}, err
	}
	return SettingPayload{Key: identity.Key, Value: value}, nil
}
