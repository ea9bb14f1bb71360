package feed

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

var errMalformedCursor = errors.New("malformed feed cursor")

// cursorKey is the sort position of the last item of a page. SortScore is only
// meaningful in personalized mode.
type cursorKey struct {
	Mode        Mode   `json:"m"`
	SortScore   int    `json:"s,omitempty"`
	CreatedAtMs int64  `json:"t"`
	ID          string `json:"i"`
}

func encodeCursor(key cursorKey) string {
	raw, _ := json.Marshal(key)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string, mode Mode) (*cursorKey, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errMalformedCursor
	}
	var key cursorKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, errMalformedCursor
	}
	if key.Mode != mode || key.ID == "" {
		return nil, errMalformedCursor
	}
	return &key, nil
}

// before reports whether item sorts at or ahead of the cursor position.
func (k cursorKey) before(item Item) bool {
	if k.Mode == ModePersonalized && item.SortScore != k.SortScore {
		return item.SortScore > k.SortScore
	}
	if item.CreatedAtMs != k.CreatedAtMs {
		return item.CreatedAtMs > k.CreatedAtMs
	}
	return item.ID >= k.ID
}
