package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"project-tachyon/internal/service"
	"project-tachyon/internal/storage"
)

// MCPServer implements a basic JSON-RPC 2.0 handler for the Model
// Context Protocol stdio transport, generalized from the teacher's
// single-engine MCPServer to the full service facade.
type MCPServer struct {
	svc *service.Service
	uid string
	mu  sync.Mutex
}

func NewMCPServer(svc *service.Service) *MCPServer {
	return &MCPServer{svc: svc, uid: "mcp-client"}
}

// Start blocks and processes messages from Stdin.
func (s *MCPServer) Start() {
	log.SetOutput(os.Stderr)
	log.Printf("MCP Server started, listening on stdin")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(line)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("MCP scan error: %v", err)
	}
}

type JsonRpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type JsonRpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *MCPServer) handleMessage(data []byte) {
	var req JsonRpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(nil, -32700, "Parse error")
		return
	}

	switch req.Method {
	case "transferd_download":
		s.handleDownload(req)
	case "transferd_list":
		s.handleList(req)
	case "tools/list":
		s.handleToolsList(req)
	default:
		s.sendError(req.ID, -32601, "Method not found")
	}
}

func (s *MCPServer) sendResponse(id interface{}, result interface{}) {
	s.write(JsonRpcResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *MCPServer) sendError(id interface{}, code int, message string) {
	s.write(JsonRpcResponse{JSONRPC: "2.0", Error: &RpcError{Code: code, Message: message}, ID: id})
}

func (s *MCPServer) write(resp JsonRpcResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bytes, _ := json.Marshal(resp)
	fmt.Fprintf(os.Stdout, "%s\n", bytes)
}

type DownloadParams struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

func (s *MCPServer) handleDownload(req JsonRpcRequest) {
	var params DownloadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params")
		return
	}

	if params.URL == "" {
		s.sendError(req.ID, -32602, "URL is required")
		return
	}

	filePath := params.Path
	if filePath == "" {
		filePath = params.Filename
	}

	id, err := s.svc.Create(service.TaskConfig{
		UID: s.uid, Action: "download", Mode: "background",
		URL: params.URL, Method: "GET", FilePath: filePath,
		RetryAllowed: true, FollowRedirects: true,
	})
	if err != nil {
		s.sendError(req.ID, -32000, err.Error())
		return
	}

	s.sendResponse(req.ID, map[string]any{
		"status":  "queued",
		"task_id": id,
		"message": "download started successfully",
	})
}

func (s *MCPServer) handleList(req JsonRpcRequest) {
	ids := s.svc.Search(storage.Filter{UID: s.uid})

	var simplified []map[string]interface{}
	for _, id := range ids {
		t, err := s.svc.Query(id)
		if err != nil {
			continue
		}
		if t.Status == "running" || t.Status == "waiting" || t.Status == "paused" || t.Status == "retrying" {
			simplified = append(simplified, map[string]interface{}{
				"id":        t.TaskID,
				"url":       t.URL,
				"status":    t.Status,
				"processed": t.ProcessedSize,
				"total":     t.TotalSize,
			})
		}
	}
	s.sendResponse(req.ID, simplified)
}

// handleToolsList responds to MCP tool discovery.
func (s *MCPServer) handleToolsList(req JsonRpcRequest) {
	tools := []map[string]interface{}{
		{
			"name":        "transferd_download",
			"description": "Download a file using the background transfer service",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url":      map[string]string{"type": "string", "description": "URL to download"},
					"path":     map[string]string{"type": "string", "description": "Destination path (optional)"},
					"filename": map[string]string{"type": "string", "description": "Custom filename (optional)"},
				},
				"required": []string{"url"},
			},
		},
		{
			"name":        "transferd_list",
			"description": "List active transfers",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}

	s.sendResponse(req.ID, map[string]interface{}{
		"tools": tools,
	})
}
