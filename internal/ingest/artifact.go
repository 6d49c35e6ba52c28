package ingest

import "time"

// ArtifactKind distinguishes the stages an artifact is written at.
type ArtifactKind string

// Artifact kinds.
const (
	KindRaw        ArtifactKind = "raw"
	KindProcessed  ArtifactKind = "processed"
	KindNormalized ArtifactKind = "normalized"
)

// Artifact is a payload to persist for one code and mode on one date.
type Artifact struct {
	Kind    ArtifactKind
	Mode    Mode
	Date    time.Time
	Code    string
	Payload any
}

// ArtifactRef describes a persisted artifact.
type ArtifactRef struct {
	Kind        ArtifactKind `json:"kind"`
	Mode        Mode         `json:"mode"`
	Code        string       `json:"code"`
	Date        string       `json:"date"`
	Path        string       `json:"path"`
	URI         string       `json:"uri"`
	ContentHash string       `json:"content_hash"`
	Size        int          `json:"size"`
	WrittenAt   time.Time    `json:"written_at"`
}
