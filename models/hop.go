package models

import (
	"encoding/json"
	"fmt"
)

// Hop is one entry of a resolved redirect path. On the wire it is the
// two-element array [url, status].
type Hop struct {
	URL    string
	Status int
}

func (h Hop) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{h.URL, h.Status})
}

func (h *Hop) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("hop: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("hop: expected [url, status], got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &h.URL); err != nil {
		return fmt.Errorf("hop url: %w", err)
	}
	if err := json.Unmarshal(raw[1], &h.Status); err != nil {
		return fmt.Errorf("hop status: %w", err)
	}
	return nil
}

// PathRecord is the single structured record emitted for a successful
// resolution: {"path": [[url, status], ...]}.
type PathRecord struct {
	Path []Hop `json:"path"`
}
