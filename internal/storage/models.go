package storage

import "time"

// Response type tags recorded alongside each payload. Informational only;
// eviction is driven by REQUEST_DATE, not by type.
const (
	TypeExecuteRequest  = "ExecuteRequest"
	TypeExecuteResponse = "ExecuteResponse"
)

// Mime types assigned at insert time.
const (
	MimeTextXML   = "text/xml"
	MimeTextPlain = "text/plain"
)

// ResultRecord is the unit of persistence: one row of the results table.
// Response holds either the literal payload or, for spilled output records,
// a file URI pointing at the payload on disk.
type ResultRecord struct {
	ID           string    `json:"id" db:"request_id"`
	RequestDate  time.Time `json:"request_date" db:"request_date"`
	ResponseType string    `json:"response_type" db:"response_type"`
	Response     string    `json:"response" db:"response"`
	MimeType     string    `json:"mime_type" db:"response_mimetype"`
}
