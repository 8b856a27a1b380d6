package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// The helpers below work on raw stored documents so that fields a newer
// server adds survive a round trip through an older terminal.

// Doc is a JSON object with its values left undecoded.
type Doc map[string]json.RawMessage

// ParseDoc decodes a JSON object.
func ParseDoc(raw json.RawMessage) (Doc, error) {
	d := Doc{}
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	if d == nil {
		d = Doc{}
	}
	return d, nil
}

// Bytes encodes the document.
func (d Doc) Bytes() (json.RawMessage, error) {
	return json.Marshal(map[string]json.RawMessage(d))
}

// Set encodes v under key.
func (d Doc) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	d[key] = b
	return nil
}

// String returns the string value of key, or "".
func (d Doc) String(key string) string {
	var s string
	if raw, ok := d[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// Time returns the time value of key, or the zero time.
func (d Doc) Time(key string) time.Time {
	var t time.Time
	if raw, ok := d[key]; ok {
		_ = json.Unmarshal(raw, &t)
	}
	return t
}

// SyncMeta returns the document's syncMeta block.
func (d Doc) SyncMeta() SyncMeta {
	var m SyncMeta
	if raw, ok := d["syncMeta"]; ok {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

// SetSyncMeta replaces the document's syncMeta block.
func (d Doc) SetSyncMeta(m SyncMeta) error {
	return d.Set("syncMeta", m)
}

// Merge shallow-merges src into d. The id and syncMeta of d are kept.
func (d Doc) Merge(src Doc) {
	for k, v := range src {
		if k == "id" || k == "syncMeta" {
			continue
		}
		d[k] = v
	}
}

// MetaOf reads the syncMeta block of a raw document. Unlike Doc.SyncMeta
// it reports a block that does not decode.
func MetaOf(raw json.RawMessage) (SyncMeta, error) {
	d, err := ParseDoc(raw)
	if err != nil {
		return SyncMeta{}, err
	}
	var m SyncMeta
	if block, ok := d["syncMeta"]; ok {
		if err := json.Unmarshal(block, &m); err != nil {
			return SyncMeta{}, fmt.Errorf("invalid syncMeta: %w", err)
		}
	}
	return m, nil
}

// WithMeta returns raw with its syncMeta block replaced.
func WithMeta(raw json.RawMessage, m SyncMeta) (json.RawMessage, error) {
	d, err := ParseDoc(raw)
	if err != nil {
		return nil, err
	}
	if err := d.SetSyncMeta(m); err != nil {
		return nil, err
	}
	return d.Bytes()
}

// Strip returns raw without its syncMeta block, the shape sent to the server.
func Strip(raw json.RawMessage) (json.RawMessage, error) {
	d, err := ParseDoc(raw)
	if err != nil {
		return nil, err
	}
	delete(d, "syncMeta")
	return d.Bytes()
}
