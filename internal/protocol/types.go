package protocol

// Message types carried in Envelope.Type.
const (
	TypeAuth       = "auth"
	TypeAuthResult = "auth_result"
	TypePing       = "ping"
	TypePong       = "pong"

	TypeWorkspaceList       = "workspace_list"
	TypeWorkspaceListResult = "workspace_list_result"

	TypeHistoryRequest = "history_request"
	TypeHistoryResult  = "history_result"

	TypeBlobStart          = "blob_start"
	TypeBlobChunk          = "blob_chunk"
	TypeBlobEnd            = "blob_end"
	TypeBlobUploadComplete = "blob_upload_complete"
	TypeBlobRequest        = "blob_request"
)

// EncodingBase64 is the only chunk encoding the relay understands.
const EncodingBase64 = "base64"

// AuthPayload is the first message sent after the socket opens.
type AuthPayload struct {
	Token      string `json:"token"`
	DeviceType string `json:"deviceType"`
	IDToken    string `json:"idToken,omitempty"`
}

// AuthResultPayload is the relay's reply to auth. The device id lives at
// device.deviceId and is read with DeviceID because relays have sent it
// both as a string and as a number.
type AuthResultPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Workspace is one entry from a workspace_list_result.
type Workspace struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Path          string         `json:"path,omitempty"`
	Conversations []Conversation `json:"conversations,omitempty"`
}

// Conversation is a conversation summary within a workspace.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// WorkspaceListResultPayload answers workspace_list. It is also pushed
// unsolicited when the host's workspace set changes.
type WorkspaceListResultPayload struct {
	DeviceID             string      `json:"deviceId"`
	Workspaces           []Workspace `json:"workspaces"`
	ActiveWorkspaceID    string      `json:"activeWorkspaceId,omitempty"`
	ActiveConversationID string      `json:"activeConversationId,omitempty"`
}

// HistoryRequestPayload asks the host for a page of conversation history.
type HistoryRequestPayload struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit,omitempty"`
	Before         int    `json:"before,omitempty"`
}

// HistoryResultPayload describes the window of messages the host sent.
// The messages themselves are consumed outside the network core.
type HistoryResultPayload struct {
	ConversationID string `json:"conversationId"`
	From           int    `json:"from"`
	To             int    `json:"to"`
	TotalCount     int    `json:"totalCount"`
}

// BlobStartPayload opens a chunked transfer in either direction.
type BlobStartPayload struct {
	BlobID      string         `json:"blobId"`
	Filename    string         `json:"filename"`
	MimeType    string         `json:"mimeType"`
	TotalSize   int64          `json:"totalSize"`
	ChunkSize   int            `json:"chunkSize"`
	TotalChunks int            `json:"totalChunks"`
	Encoding    string         `json:"encoding"`
	Context     map[string]any `json:"context,omitempty"`
}

// BlobChunkPayload carries one base64 chunk.
type BlobChunkPayload struct {
	BlobID string `json:"blobId"`
	Index  int    `json:"index"`
	Data   string `json:"data"`
	Size   int    `json:"size"`
}

// BlobEndPayload closes a chunked transfer.
type BlobEndPayload struct {
	BlobID        string `json:"blobId"`
	Checksum      string `json:"checksum"`
	TotalReceived int64  `json:"totalReceived"`
}

// BlobUploadCompletePayload is pushed once the host has stored an upload.
type BlobUploadCompletePayload struct {
	BlobID         string `json:"blobId"`
	FileID         string `json:"fileId"`
	Path           string `json:"path"`
	ConversationID string `json:"conversationId"`
	Thumbnail      string `json:"thumbnail,omitempty"`
}

// BlobRequestPayload asks the host to send a file back.
type BlobRequestPayload struct {
	BlobID         string `json:"blobId"`
	ConversationID string `json:"conversationId"`
	Filename       string `json:"filename"`
	LocalPath      string `json:"localPath,omitempty"`
}
