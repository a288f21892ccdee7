// Package mcp serves the daemon's generation operations as MCP tools over
// newline-delimited JSON-RPC on stdio.
package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

const ProtocolVersion = "2024-11-05"

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Server answers one request per line. Tool calls run concurrently so a
// generate that waits for its run does not hold up status or cancel.
type Server struct {
	tools   *ToolRegistry
	version string
	reader  *bufio.Reader
	log     *zap.Logger

	writeMu sync.Mutex
	writer  io.Writer
	calls   sync.WaitGroup
}

type Option func(*Server)

func WithIO(r io.Reader, w io.Writer) Option {
	return func(s *Server) {
		s.reader = bufio.NewReader(r)
		s.writer = w
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

func NewServer(tools *ToolRegistry, version string, opts ...Option) *Server {
	s := &Server{
		tools:   tools,
		version: version,
		reader:  bufio.NewReader(os.Stdin),
		writer:  os.Stdout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type ToolsListResult struct {
	Tools []ToolDef `json:"tools"`
}

type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Run serves until the input ends, then waits for tool calls in flight.
func (s *Server) Run() error {
	defer s.calls.Wait()
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			s.dispatch(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (s *Server) dispatch(line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.sendError(nil, codeParseError, "Parse error", err.Error())
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(&req)
	case "notifications/initialized":
	case "tools/list":
		s.sendResult(req.ID, ToolsListResult{Tools: s.tools.List()})
	case "tools/call":
		s.calls.Add(1)
		go func() {
			defer s.calls.Done()
			s.handleToolsCall(&req)
		}()
	case "ping":
		s.sendResult(req.ID, map[string]string{})
	default:
		s.sendError(req.ID, codeMethodNotFound, "Method not found", req.Method)
	}
}

func (s *Server) handleInitialize(req *Request) {
	var params InitializeParams
	if len(req.Params) > 0 {
		// clients differ in what they send; only the name is logged
		_ = json.Unmarshal(req.Params, &params)
	}
	s.log.Info("mcp client connected",
		zap.String("client", params.ClientInfo.Name),
		zap.String("protocol", params.ProtocolVersion))

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
	}
	result.ServerInfo.Name = "sdlive"
	result.ServerInfo.Version = s.version
	s.sendResult(req.ID, result)
}

func (s *Server) handleToolsCall(req *Request) {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}

	result, err := s.tools.Call(params.Name, params.Arguments)
	if err != nil {
		s.log.Debug("tool failed", zap.String("tool", params.Name), zap.Error(err))
		result = &CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		}
	}
	s.sendResult(req.ID, result)
}

func (s *Server) sendResult(id interface{}, result interface{}) {
	s.send(Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id interface{}, code int, message, data string) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	})
}

// send writes one response line; concurrent calls never interleave.
func (s *Server) send(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response", zap.Error(err))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}
