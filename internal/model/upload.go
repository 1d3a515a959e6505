package model

import "time"

type UploadState string

const (
	UploadPending   UploadState = "pending"
	UploadUploading UploadState = "uploading"
	UploadUploaded  UploadState = "uploaded"
	UploadFailed    UploadState = "failed"
	// UploadDiscarded marks units of revoked tests and units dropped
	// during an abort.
	UploadDiscarded UploadState = "discarded"
)

func (s UploadState) Terminal() bool {
	return s == UploadUploaded || s == UploadFailed || s == UploadDiscarded
}

// UploadRecord is the persisted state of a single unit of upload work,
// keyed by its idempotency key.
type UploadRecord struct {
	Key      string      `json:"key"`
	Owner    string      `json:"owner"`
	Kind     string      `json:"kind"`
	Seq      uint64      `json:"seq"`
	State    UploadState `json:"state"`
	Attempts int         `json:"attempts"`
	// RemoteID is the identifier returned by the remote side once uploaded.
	RemoteID  string    `json:"remoteId,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}
