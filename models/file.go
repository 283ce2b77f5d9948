package models

// FileInfo describes the file carried by an offer.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Transfer is one relayed transfer as recorded in relay history.
type Transfer struct {
	TransferID    string `json:"transfer_id"`
	FromDeviceID  string `json:"from_device_id"`
	ToDeviceID    string `json:"to_device_id"`
	FileName      string `json:"file_name"`
	FileSize      int64  `json:"file_size"`
	MimeType      string `json:"mime_type"`
	Status        string `json:"status"`
	ChunksRelayed int    `json:"chunks_relayed"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}
