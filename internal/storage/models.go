package storage

import (
	"encoding/json"
	"time"
)

// DrawRecord is one persisted normalised fetch result.
type DrawRecord struct {
	ItemID     string
	Period     string
	SourceType string
	EndpointID string
	DrawTime   time.Time
	Payload    json.RawMessage
	FetchedAt  time.Time
}
