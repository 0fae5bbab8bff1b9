package checkpoint

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/streamq/internal/streaming"
)

// noBatch marks a location with no committed batch yet.
const noBatch int64 = -1

// ErrEmptyLocation is returned for blank checkpoint locations.
var ErrEmptyLocation = errors.New("checkpoint location is empty")

// Record is the metadata kept per checkpoint location.
type Record struct {
	QueryID     uuid.UUID `json:"query_id"`
	LastBatchID int64     `json:"last_batch_id"`
	EndOffset   int64     `json:"end_offset"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r Record) commit() streaming.BatchCommit {
	return streaming.BatchCommit{BatchID: r.LastBatchID, EndOffset: r.EndOffset}
}

func validateLocation(location string) error {
	if strings.TrimSpace(location) == "" {
		return ErrEmptyLocation
	}
	return nil
}
