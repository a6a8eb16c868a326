// Package mcpserver registers MCP tools that expose the relay client.
// It adapts the client to the MCP SDK's tool handler interface so a local
// agent can inspect the connection and move files through the relay.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/pylon-client/internal/cache"
	"github.com/alexjbarnes/pylon-client/internal/client"
	"github.com/alexjbarnes/pylon-client/internal/protocol"
	"github.com/alexjbarnes/pylon-client/internal/transfer"
)

// maxUploadBytes bounds decoded upload_file content.
const maxUploadBytes = 25 << 20

// Relay is the part of *client.Client the tools use.
type Relay interface {
	Status() client.Status
	Workspaces() []protocol.Workspace
	SelectConversation(ctx context.Context, id string) error
	LoadMore(ctx context.Context, id string) (bool, error)
	RequestFile(ctx context.Context, conversationID, filename, localPath string) (string, error)
	Upload(ctx context.Context, data []byte, filename, mimeType, conversationID string) (string, error)
	Transfers() []transfer.Transfer
	CancelTransfer(blobID string) error
	CacheStats() cache.Stats
	CacheKeys() []string
}

// RegisterTools adds all relay tools to the given MCP server.
func RegisterTools(server *mcp.Server, r Relay) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "relay_status",
		Description: "Connection, authentication and sync state of the relay client, with cache usage and the number of active transfers.",
	}, statusHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_workspaces",
		Description: "Workspaces and conversations from the last workspace list the host sent.",
	}, workspacesHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "select_conversation",
		Description: "Make a conversation the selected one and request its latest history page.",
	}, selectHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "load_more_history",
		Description: "Request the page of history before the loaded window. Returns requested=false when nothing older exists or a page is already in flight.",
	}, loadMoreHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "request_file",
		Description: "Ask the host for a file. Cached files are served without network traffic and blob_id is empty. Downloaded files are saved to the download directory.",
	}, requestFileHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "upload_file",
		Description: "Upload base64 content to a conversation. Defaults to the selected conversation. The upload is acknowledged asynchronously; poll list_transfers for completion.",
	}, uploadHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_transfers",
		Description: "All known uploads and downloads with their state and progress.",
	}, transfersHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_transfer",
		Description: "Mark an in-flight transfer as failed. Chunks already sent are not recalled.",
	}, cancelHandler(r))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cache_stats",
		Description: "Blob cache usage and the cached file names, most recently used first.",
	}, cacheHandler(r))
}

// --- Input types ---

// EmptyInput is used by tools without parameters.
type EmptyInput struct{}

// ConversationInput names one conversation.
type ConversationInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id from list_workspaces"`
}

// RequestFileInput holds parameters for request_file.
type RequestFileInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"conversation the file belongs to"`
	Filename       string `json:"filename" jsonschema:"file name as known to the host"`
	LocalPath      string `json:"local_path,omitempty" jsonschema:"name to save the file under, defaults to filename"`
}

// UploadInput holds parameters for upload_file.
type UploadInput struct {
	Filename       string `json:"filename" jsonschema:"file name to present to the host"`
	ContentBase64  string `json:"content_base64" jsonschema:"file content, standard base64"`
	MimeType       string `json:"mime_type,omitempty" jsonschema:"MIME type, detected from name and content when empty"`
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"target conversation, defaults to the selected one"`
}

// BlobInput names one transfer.
type BlobInput struct {
	BlobID string `json:"blob_id" jsonschema:"transfer id from list_transfers"`
}

// --- Output types ---

// StatusResult is the relay_status output.
type StatusResult struct {
	Connected            bool                `json:"connected"`
	Authenticated        bool                `json:"authenticated"`
	DeviceID             string              `json:"device_id,omitempty"`
	LastPong             string              `json:"last_pong,omitempty"`
	ReconnectPending     bool                `json:"reconnect_pending"`
	SyncPhase            string              `json:"sync_phase"`
	SyncRetries          int                 `json:"sync_retries"`
	Conversations        []ConversationState `json:"conversations"`
	ActiveWorkspaceID    string              `json:"active_workspace_id,omitempty"`
	SelectedConversation string              `json:"selected_conversation,omitempty"`
	Workspaces           int                 `json:"workspaces"`
	ActiveTransfers      int                 `json:"active_transfers"`
	Cache                CacheSummary        `json:"cache"`
}

// ConversationState is one conversation's sync phase and loaded window.
type ConversationState struct {
	ID          string `json:"id"`
	Phase       string `json:"phase"`
	From        int    `json:"from"`
	To          int    `json:"to"`
	Total       int    `json:"total"`
	LoadingMore bool   `json:"loading_more"`
}

// CacheSummary mirrors cache.Stats.
type CacheSummary struct {
	Count       int     `json:"count"`
	SizeBytes   int64   `json:"size_bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	PercentUsed float64 `json:"percent_used"`
}

// WorkspacesResult is the list_workspaces output.
type WorkspacesResult struct {
	Workspaces []protocol.Workspace `json:"workspaces"`
}

// SelectResult is the select_conversation output.
type SelectResult struct {
	ConversationID string `json:"conversation_id"`
}

// LoadMoreResult is the load_more_history output.
type LoadMoreResult struct {
	ConversationID string `json:"conversation_id"`
	Requested      bool   `json:"requested"`
}

// RequestFileResult is the request_file output.
type RequestFileResult struct {
	BlobID    string `json:"blob_id,omitempty"`
	Filename  string `json:"filename"`
	FromCache bool   `json:"from_cache"`
}

// UploadResult is the upload_file output.
type UploadResult struct {
	BlobID   string `json:"blob_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
}

// TransferInfo is one entry of list_transfers.
type TransferInfo struct {
	BlobID          string  `json:"blob_id"`
	Filename        string  `json:"filename"`
	Direction       string  `json:"direction"`
	State           string  `json:"state"`
	TotalSize       int64   `json:"total_size"`
	ProcessedChunks int     `json:"processed_chunks"`
	TotalChunks     int     `json:"total_chunks"`
	Progress        float64 `json:"progress"`
	ConversationID  string  `json:"conversation_id,omitempty"`
	Error           string  `json:"error,omitempty"`
	UpdatedAt       string  `json:"updated_at"`
}

// TransfersResult is the list_transfers output.
type TransfersResult struct {
	Transfers []TransferInfo `json:"transfers"`
}

// CancelResult is the cancel_transfer output.
type CancelResult struct {
	BlobID string `json:"blob_id"`
	State  string `json:"state"`
}

// CacheResult is the cache_stats output.
type CacheResult struct {
	Stats CacheSummary `json:"stats"`
	Keys  []string     `json:"keys"`
}

// --- Handlers ---

func statusHandler(r Relay) mcp.ToolHandlerFor[EmptyInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusResult, error) {
		st := r.Status()

		result := &StatusResult{
			Connected:            st.Connected,
			Authenticated:        st.Authenticated,
			DeviceID:             st.DeviceID,
			ReconnectPending:     st.ReconnectPending,
			SyncPhase:            string(st.Sync.Phase),
			SyncRetries:          st.Sync.RetryCount,
			Conversations:        []ConversationState{},
			ActiveWorkspaceID:    st.ActiveWorkspaceID,
			SelectedConversation: st.SelectedConversation,
			Workspaces:           st.Workspaces,
			ActiveTransfers:      st.ActiveTransfers,
			Cache:                summarize(st.Cache),
		}

		if !st.LastPong.IsZero() {
			result.LastPong = st.LastPong.UTC().Format(time.RFC3339)
		}

		for id, cs := range st.Sync.Conversations {
			result.Conversations = append(result.Conversations, ConversationState{
				ID:          id,
				Phase:       string(cs.Phase),
				From:        cs.Window.From,
				To:          cs.Window.To,
				Total:       cs.Window.Total,
				LoadingMore: cs.LoadingMore,
			})
		}

		slices.SortFunc(result.Conversations, func(a, b ConversationState) int {
			return strings.Compare(a.ID, b.ID)
		})

		return textResult(result), result, nil
	}
}

func workspacesHandler(r Relay) mcp.ToolHandlerFor[EmptyInput, *WorkspacesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *WorkspacesResult, error) {
		result := &WorkspacesResult{Workspaces: r.Workspaces()}
		if result.Workspaces == nil {
			result.Workspaces = []protocol.Workspace{}
		}

		return textResult(result), result, nil
	}
}

func selectHandler(r Relay) mcp.ToolHandlerFor[ConversationInput, *SelectResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *SelectResult, error) {
		if input.ConversationID == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		if err := r.SelectConversation(ctx, input.ConversationID); err != nil {
			return nil, nil, err
		}

		result := &SelectResult{ConversationID: input.ConversationID}

		return textResult(result), result, nil
	}
}

func loadMoreHandler(r Relay) mcp.ToolHandlerFor[ConversationInput, *LoadMoreResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *LoadMoreResult, error) {
		if input.ConversationID == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		requested, err := r.LoadMore(ctx, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		result := &LoadMoreResult{ConversationID: input.ConversationID, Requested: requested}

		return textResult(result), result, nil
	}
}

func requestFileHandler(r Relay) mcp.ToolHandlerFor[RequestFileInput, *RequestFileResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RequestFileInput) (*mcp.CallToolResult, *RequestFileResult, error) {
		if input.Filename == "" {
			return nil, nil, fmt.Errorf("filename is required")
		}

		blobID, err := r.RequestFile(ctx, input.ConversationID, input.Filename, input.LocalPath)
		if err != nil {
			return nil, nil, err
		}

		result := &RequestFileResult{
			BlobID:    blobID,
			Filename:  input.Filename,
			FromCache: blobID == "",
		}

		return textResult(result), result, nil
	}
}

func uploadHandler(r Relay) mcp.ToolHandlerFor[UploadInput, *UploadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UploadInput) (*mcp.CallToolResult, *UploadResult, error) {
		if input.Filename == "" {
			return nil, nil, fmt.Errorf("filename is required")
		}

		if base64.StdEncoding.DecodedLen(len(input.ContentBase64)) > maxUploadBytes {
			return nil, nil, fmt.Errorf("content exceeds %d bytes", maxUploadBytes)
		}

		data, err := base64.StdEncoding.DecodeString(input.ContentBase64)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding content_base64: %w", err)
		}

		mimeType := input.MimeType
		if mimeType == "" {
			mimeType = transfer.DetectMIME(input.Filename, data)
		}

		blobID, err := r.Upload(ctx, data, input.Filename, mimeType, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		result := &UploadResult{
			BlobID:   blobID,
			Filename: input.Filename,
			MimeType: mimeType,
			Size:     len(data),
		}

		return textResult(result), result, nil
	}
}

func transfersHandler(r Relay) mcp.ToolHandlerFor[EmptyInput, *TransfersResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *TransfersResult, error) {
		result := &TransfersResult{Transfers: []TransferInfo{}}

		for _, t := range r.Transfers() {
			direction := "download"
			if t.Upload {
				direction = "upload"
			}

			result.Transfers = append(result.Transfers, TransferInfo{
				BlobID:          t.BlobID,
				Filename:        t.Filename,
				Direction:       direction,
				State:           string(t.State),
				TotalSize:       t.TotalSize,
				ProcessedChunks: t.ProcessedChunks,
				TotalChunks:     t.TotalChunks,
				Progress:        t.Progress(),
				ConversationID:  t.ConversationID,
				Error:           t.Error,
				UpdatedAt:       t.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}

		return textResult(result), result, nil
	}
}

func cancelHandler(r Relay) mcp.ToolHandlerFor[BlobInput, *CancelResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input BlobInput) (*mcp.CallToolResult, *CancelResult, error) {
		if err := r.CancelTransfer(input.BlobID); err != nil {
			return nil, nil, fmt.Errorf("cancelling %s: %w", input.BlobID, err)
		}

		result := &CancelResult{BlobID: input.BlobID, State: string(transfer.StateFailed)}

		for _, t := range r.Transfers() {
			if t.BlobID == input.BlobID {
				result.State = string(t.State)
				break
			}
		}

		return textResult(result), result, nil
	}
}

func cacheHandler(r Relay) mcp.ToolHandlerFor[EmptyInput, *CacheResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *CacheResult, error) {
		result := &CacheResult{
			Stats: summarize(r.CacheStats()),
			Keys:  r.CacheKeys(),
		}
		if result.Keys == nil {
			result.Keys = []string{}
		}

		return textResult(result), result, nil
	}
}

func summarize(s cache.Stats) CacheSummary {
	return CacheSummary{
		Count:       s.Count,
		SizeBytes:   s.SizeBytes,
		MaxBytes:    s.MaxBytes,
		PercentUsed: s.PercentUsed,
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// The SDK fills in the structured output alongside it.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
