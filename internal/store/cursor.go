package store

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Cursor points at the last record of a page in (date, type_state) order.
type Cursor struct {
	Date      string
	TypeState string
}

func EncodeCursor(c Cursor) string {
	s := c.Date + "|" + c.TypeState
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func DecodeCursor(v string) (*Cursor, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, err
	}
	date, typeState, ok := strings.Cut(string(b), "|")
	if !ok || date == "" || typeState == "" {
		return nil, errors.New("invalid cursor")
	}
	return &Cursor{Date: date, TypeState: typeState}, nil
}
