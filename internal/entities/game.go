package entities

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	fieldIgdbGameID           = "igdbGameId"
	fieldPlatformIgdbID       = "platformIgdbId"
	fieldTitle                = "title"
	fieldPlatform             = "platform"
	fieldNotes                = "notes"
	fieldCustomTitle          = "customTitle"
	fieldCustomPlatform       = "customPlatform"
	fieldCustomPlatformIgdbID = "customPlatformIgdbId"
	fieldCustomCoverURL       = "customCoverUrl"

	maxGameIDLength = 32
)

// GameIdentity is the composite natural key of a library game.
type GameIdentity struct {
	IgdbGameID     string `json:"igdbGameId"`
	PlatformIgdbID int64  `json:"platformIgdbId"`
}

func (GameIdentity) EntityType() EntityType { return EntityTypeGame }

// EntityKey renders the identity as "<igdbGameId>::<platformIgdbId>".
func (identity GameIdentity) EntityKey() string {
	return fmt.Sprintf("%s::%d", identity.IgdbGameID, identity.PlatformIgdbID)
}

func (GameIdentity) isIdentity() {}

// GamePayload is the canonical stored shape of a game. Override fields are nil
// when they were absent, invalid, or redundant with the base fields.
type GamePayload struct {
	IgdbGameID           string  `json:"igdbGameId"`
	PlatformIgdbID       int64   `json:"platformIgdbId"`
	Title                string  `json:"title"`
	Platform             string  `json:"platform"`
	Notes                *string `json:"notes"`
	CustomTitle          *string `json:"customTitle"`
	CustomPlatform       *string `json:"customPlatform"`
	CustomPlatformIgdbID *int64  `json:"customPlatformIgdbId"`
	CustomCoverURL       *string `json:"customCoverUrl"`
}

func (GamePayload) EntityType() EntityType { return EntityTypeGame }

func (payload GamePayload) EntityKey() string {
	return payload.Identity().EntityKey()
}

// Identity returns the natural key fragment of the payload.
func (payload GamePayload) Identity() GameIdentity {
	return GameIdentity{IgdbGameID: payload.IgdbGameID, PlatformIgdbID: payload.PlatformIgdbID}
}

func (GamePayload) isPayload() {}

// parseGameIdentity keeps igdbGameId exactly as the client wrote it, minus
// surrounding whitespace, so "0123" and "123" stay distinct keys.
func parseGameIdentity(fields fieldSet) (GameIdentity, error) {
	raw, _, err := fields.text(fieldIgdbGameID)
	if err != nil {
		return GameIdentity{}, err
	}
	gameID := strings.TrimSpace(raw)
	if gameID == "" {
		return GameIdentity{}, invalidField(fieldIgdbGameID, "is required")
	}
	if utf8.RuneCountInString(gameID) > maxGameIDLength {
		return GameIdentity{}, invalidField(fieldIgdbGameID, fmt.Sprintf("exceeds %d characters", maxGameIDLength))
	}
	platformID, ok, err := fields.positiveInt(fieldPlatformIgdbID)
	if err != nil {
		return GameIdentity{}, err
	}
	if !ok {
		return GameIdentity{}, invalidField(fieldPlatformIgdbID, "is required")
	}
	return GameIdentity{
		IgdbGameID:     gameID,
		PlatformIgdbID: platformID,
	}, nil
}

func normalizeGame(fields fieldSet) (GamePayload, error) {
	identity, err := parseGameIdentity(fields)
	if err != nil {
		return GamePayload{}, err
	}

	title, _, err := fields.text(fieldTitle)
	if err != nil {
		return GamePayload{}, err
	}
	platform, _, err := fields.text(fieldPlatform)
	if err != nil {
		return GamePayload{}, err
	}
	notes, _, err := fields.text(fieldNotes)
	if err != nil {
		return GamePayload{}, err
	}

	payload := GamePayload{
		IgdbGameID:     identity.IgdbGameID,
		PlatformIgdbID: identity.PlatformIgdbID,
		Title:          cleanText(title),
		Platform:       cleanText(platform),
		Notes:          optionalString(cleanMultiline(notes)),
	}
	payload.CustomTitle = normalizeCustomTitle(fields, payload.Title)
	payload.CustomPlatform, payload.CustomPlatformIgdbID = normalizeCustomPlatform(fields, payload.PlatformIgdbID)
	payload.CustomCoverURL = normalizeCustomCoverURL(fields)
	return payload, nil
}

// Override fields never fail the payload; unusable values are dropped.

func normalizeCustomTitle(fields fieldSet, title string) *string {
	raw, _, err := fields.text(fieldCustomTitle)
	if err != nil {
		return nil
	}
	customTitle := cleanText(raw)
	if customTitle == "" || customTitle == title {
		return nil
	}
	return &customTitle
}

// normalizeCustomPlatform keeps the custom platform name and id only as a pair,
// and only when the id differs from the base platform.
func normalizeCustomPlatform(fields fieldSet, platformID int64) (*string, *int64) {
	raw, _, err := fields.text(fieldCustomPlatform)
	if err != nil {
		return nil, nil
	}
	customPlatform := cleanText(raw)
	customPlatformID, ok, err := fields.positiveInt(fieldCustomPlatformIgdbID)
	if err != nil || !ok || customPlatform == "" {
		return nil, nil
	}
	if customPlatformID == platformID {
		return nil, nil
	}
	return &customPlatform, &customPlatformID
}

func normalizeCustomCoverURL(fields fieldSet) *string {
	raw, _, err := fields.text(fieldCustomCoverURL)
	if err != nil {
		return nil
	}
	value := cleanText(raw)
	if value == "" {
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil
	}
	return &value
}
