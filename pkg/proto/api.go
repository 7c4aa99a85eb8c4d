package proto

// JSON shapes of the client-facing HTTP API. Bin values travel as
// base64 strings, the default encoding/json treatment of byte slices.

// WriteRequest is the body of a client write.
type WriteRequest struct {
	Bins []Bin `json:"bins"`
}

// RecordResponse returns a record's content and version metadata.
type RecordResponse struct {
	Namespace      string `json:"namespace"`
	Set            string `json:"set"`
	Key            string `json:"key"`
	Digest         string `json:"digest"`
	Generation     uint16 `json:"generation"`
	LastUpdateTime uint64 `json:"last_update_ms"`
	VoidTime       uint32 `json:"void_time,omitempty"`
	Bins           []Bin  `json:"bins"`
}

// WriteResponse acknowledges a write or delete with the record's new
// version metadata.
type WriteResponse struct {
	Digest         string `json:"digest"`
	Generation     uint16 `json:"generation"`
	LastUpdateTime uint64 `json:"last_update_ms"`
	VoidTime       uint32 `json:"void_time,omitempty"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}
