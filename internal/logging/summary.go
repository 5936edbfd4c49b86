package logging

import (
	"encoding/json"
	"slices"

	"github.com/sirupsen/logrus"
)

// maxListedIDs caps how many entity ids are logged verbatim.
const maxListedIDs = 10

type summaryRecord struct {
	Dataset string `json:"dataset"`
	Batch   string `json:"batch"`
	Payload struct {
		Entities []json.RawMessage `json:"entities"`
	} `json:"payload"`
}

type summaryEntity struct {
	ID         string              `json:"id"`
	Properties map[string][]string `json:"properties"`
}

// JobSummary turns job args into compact log fields instead of the full
// payload: dataset, batch, the entity count and id range, and the content
// hash range. Args that do not parse yield no fields.
func JobSummary(args []byte) logrus.Fields {
	fields := logrus.Fields{}
	var rec summaryRecord
	if err := json.Unmarshal(args, &rec); err != nil {
		return fields
	}
	if rec.Dataset != "" {
		fields["dataset"] = rec.Dataset
	}
	if rec.Batch != "" {
		fields["batch"] = rec.Batch
	}
	if len(rec.Payload.Entities) == 0 {
		return fields
	}
	fields["entities_count"] = len(rec.Payload.Entities)

	var ids, hashes []string
	for _, raw := range rec.Payload.Entities {
		var e summaryEntity
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
		hashes = append(hashes, e.Properties["contentHash"]...)
	}
	if len(ids) > 0 {
		fields["entity_id_min"] = slices.Min(ids)
		fields["entity_id_max"] = slices.Max(ids)
		if len(ids) <= maxListedIDs {
			fields["entity_ids"] = ids
		}
	}
	if len(hashes) > 0 {
		fields["content_hash_min"] = slices.Min(hashes)
		fields["content_hash_max"] = slices.Max(hashes)
	}
	return fields
}
