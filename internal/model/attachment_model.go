package model

type UploadStatus string

const (
	UploadIdle      UploadStatus = "IDLE"
	UploadUploading UploadStatus = "UPLOADING"
	UploadDone      UploadStatus = "DONE"
	UploadFailed    UploadStatus = "FAILED"
)

type MimeClass string

const (
	MimeImage MimeClass = "IMAGE"
	MimeVideo MimeClass = "VIDEO"
	MimeAudio MimeClass = "AUDIO"
	MimeFile  MimeClass = "FILE"
)

// Attachment is owned by the message that references it. RemoteURL is set at
// most once, by the upload coordinator, and is immutable afterwards.
type Attachment struct {
	LocalId      string       `json:"localId"`
	RemoteURL    string       `json:"remoteUrl,omitempty"`
	FileName     string       `json:"fileName,omitempty"`
	UploadStatus UploadStatus `json:"uploadStatus"`
	MimeClass    MimeClass    `json:"mimeClass"`
}
