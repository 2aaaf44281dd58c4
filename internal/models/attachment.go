package models

// Attachment is a user-supplied file accompanying a chat request.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Type        string `json:"type"`
	Data        string `json:"data,omitempty"`
	Key         string `json:"key,omitempty"`
}

// AttachmentMeta is the persisted description of an attachment; payloads are never stored.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Type        string `json:"type"`
	Key         string `json:"key,omitempty"`
}

func (a Attachment) Meta() AttachmentMeta {
	return AttachmentMeta{Filename: a.Filename, ContentType: a.ContentType, Type: a.Type, Key: a.Key}
}
