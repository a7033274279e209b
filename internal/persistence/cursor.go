// Package persistence contains helpers shared by the gateway implementations.
package persistence

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/healthsync/internal/domain"
)

// ErrInvalidCursor is returned for page tokens this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const cursorVersion = 1

// cursorToken is the JSON body of a page token.
type cursorToken struct {
	V   int    `json:"v"`
	At  string `json:"at"`
	Seq int64  `json:"seq"`
}

// EncodeCursor turns the position after the last returned snapshot into an opaque page token.
// A nil cursor encodes as "".
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw, _ := json.Marshal(cursorToken{V: cursorVersion, At: c.RecordedAt.UTC().Format(time.RFC3339Nano), Seq: c.Seq})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor. A blank token yields a nil cursor.
func DecodeCursor(token string) (*domain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var ct cursorToken
	if err := json.Unmarshal(raw, &ct); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if ct.V != cursorVersion || ct.Seq < 0 {
		return nil, ErrInvalidCursor
	}
	at, err := time.Parse(time.RFC3339Nano, ct.At)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return &domain.Cursor{RecordedAt: at, Seq: ct.Seq}, nil
}
