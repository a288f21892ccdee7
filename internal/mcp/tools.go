package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/schovi/sdlive/internal/daemon"
	"github.com/schovi/sdlive/internal/session"
	"github.com/schovi/sdlive/internal/wait"
)

const defaultGenerateTimeoutSec = 600

// Client is the daemon surface the tools need. *daemon.Client satisfies it.
type Client interface {
	EnsureDaemon() error
	Generate(p session.Params) (*daemon.RunMeta, error)
	Status() (*daemon.Status, error)
	List() ([]daemon.RunMeta, error)
	Read(run, mode string, headLines, tailLines int) (string, int, error)
	Preview() (*daemon.FrameData, error)
	Delete() (string, error)
	Save(artifact, dest string) (string, error)
	Cancel() (bool, error)
}

type ToolRegistry struct {
	client Client
}

func NewToolRegistry(client Client) *ToolRegistry {
	return &ToolRegistry{client: client}
}

func (r *ToolRegistry) List() []ToolDef {
	return []ToolDef{
		{
			Name:        "generate",
			Description: "Generate an image with the local diffusion backend. Returns the run record, or waits for the finished image when wait is true.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"model": map[string]interface{}{
						"type":        "string",
						"description": "Path to the model file",
					},
					"prompt": map[string]interface{}{
						"type":        "string",
						"description": "What to draw",
					},
					"negative_prompt": map[string]interface{}{
						"type":        "string",
						"description": "What to avoid",
					},
					"width": map[string]interface{}{
						"type":        "integer",
						"description": "Image width in pixels (default: 512)",
					},
					"height": map[string]interface{}{
						"type":        "integer",
						"description": "Image height in pixels (default: 512)",
					},
					"steps": map[string]interface{}{
						"type":        "integer",
						"description": "Sampling steps (default: 20)",
					},
					"cfg_scale": map[string]interface{}{
						"type":        "number",
						"description": "Prompt guidance scale (default: 7)",
					},
					"seed": map[string]interface{}{
						"type":        "integer",
						"description": "RNG seed, -1 for random (default: -1)",
					},
					"sampler": map[string]interface{}{
						"type":        "string",
						"description": "Sampling method (default: euler_a)",
					},
					"scheduler": map[string]interface{}{
						"type":        "string",
						"description": "Noise scheduler (default: discrete)",
					},
					"threads": map[string]interface{}{
						"type":        "integer",
						"description": "CPU threads, -1 for auto (default: -1)",
					},
					"wait": map[string]interface{}{
						"type":        "boolean",
						"description": "Block until the run finishes (default: false)",
					},
					"timeout_sec": map[string]interface{}{
						"type":        "integer",
						"description": "Max wait time in seconds when wait is true (default: 600)",
					},
				},
				"required": []string{"model", "prompt"},
			},
		},
		{
			Name:        "status",
			Description: "Show whether a generation is running, its progress, and the current image",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "read",
			Description: "Read backend output of a run. Reads new output since the last read by default.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"run_id": map[string]interface{}{
						"type":        "string",
						"description": "Run id (default: the latest run)",
					},
					"all": map[string]interface{}{
						"type":        "boolean",
						"description": "If true, read all output of the run. Mutually exclusive with head/tail.",
					},
					"head": map[string]interface{}{
						"type":        "integer",
						"description": "Return first N lines. Mutually exclusive with all/tail.",
					},
					"tail": map[string]interface{}{
						"type":        "integer",
						"description": "Return last N lines. Mutually exclusive with all/head.",
					},
				},
			},
		},
		{
			Name:        "list",
			Description: "List recorded runs",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "preview",
			Description: "Return the latest preview frame or the finished image",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "delete",
			Description: "Delete the current image from the output directory",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "save",
			Description: "Copy the current image to a destination. Fails if the image was deleted or replaced meanwhile.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"dest": map[string]interface{}{
						"type":        "string",
						"description": "Absolute destination path",
					},
					"artifact": map[string]interface{}{
						"type":        "string",
						"description": "Image path as last seen in status; the save is refused if it is no longer current",
					},
				},
				"required": []string{"dest"},
			},
		},
		{
			Name:        "cancel",
			Description: "Cancel the running generation",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

func (r *ToolRegistry) Call(name string, args json.RawMessage) (*CallToolResult, error) {
	if err := r.client.EnsureDaemon(); err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	switch name {
	case "generate":
		return r.callGenerate(args)
	case "status":
		return r.callStatus()
	case "read":
		return r.callRead(args)
	case "list":
		return r.callList()
	case "preview":
		return r.callPreview()
	case "delete":
		return r.callDelete()
	case "save":
		return r.callSave(args)
	case "cancel":
		return r.callCancel()
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

type GenerateArgs struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Steps          int      `json:"steps"`
	CFGScale       *float64 `json:"cfg_scale"`
	Seed           *int64   `json:"seed"`
	Sampler        string   `json:"sampler"`
	Scheduler      string   `json:"scheduler"`
	Threads        *int     `json:"threads"`
	Wait           bool     `json:"wait"`
	TimeoutSec     int      `json:"timeout_sec"`
}

// Params fills unset arguments with the generation defaults.
func (a GenerateArgs) Params() session.Params {
	p := session.DefaultParams()
	p.Model = a.Model
	p.Prompt = a.Prompt
	p.NegativePrompt = a.NegativePrompt
	if a.Width > 0 {
		p.Width = a.Width
	}
	if a.Height > 0 {
		p.Height = a.Height
	}
	if a.Steps > 0 {
		p.Steps = a.Steps
	}
	if a.CFGScale != nil {
		p.CFGScale = *a.CFGScale
	}
	if a.Seed != nil {
		p.Seed = *a.Seed
	}
	if a.Sampler != "" {
		p.Sampler = a.Sampler
	}
	if a.Scheduler != "" {
		p.Scheduler = a.Scheduler
	}
	if a.Threads != nil {
		p.Threads = *a.Threads
	}
	return p
}

func (r *ToolRegistry) callGenerate(args json.RawMessage) (*CallToolResult, error) {
	var a GenerateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	p := a.Params()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	run, err := r.client.Generate(p)
	if err != nil {
		return nil, err
	}
	if !a.Wait {
		return jsonResult(run)
	}

	timeoutSec := a.TimeoutSec
	if timeoutSec == 0 {
		timeoutSec = defaultGenerateTimeoutSec
	}

	_, err = wait.ForRun(context.Background(), r.observer(run.ID), wait.Config{TimeoutSec: timeoutSec})
	if err != nil {
		return nil, err
	}

	runs, err := r.client.List()
	if err != nil {
		return nil, err
	}
	for _, m := range runs {
		if m.ID == run.ID {
			return jsonResult(m)
		}
	}
	return nil, fmt.Errorf("run %s disappeared", run.ID)
}

// observer polls the daemon for one run without consuming its output.
func (r *ToolRegistry) observer(run string) wait.ObserveFunc {
	return func() (wait.Observation, error) {
		st, err := r.client.Status()
		if err != nil {
			return wait.Observation{}, err
		}
		_, pos, err := r.client.Read(run, "all", 0, 1)
		if err != nil {
			return wait.Observation{}, err
		}
		done := st.Run == nil || st.Run.ID != run || st.Run.Done()
		return wait.Observation{Position: pos, Done: done}, nil
	}
}

func (r *ToolRegistry) callStatus() (*CallToolResult, error) {
	st, err := r.client.Status()
	if err != nil {
		return nil, err
	}
	return jsonResult(st)
}

type ReadArgs struct {
	RunID string `json:"run_id"`
	All   bool   `json:"all"`
	Head  int    `json:"head"`
	Tail  int    `json:"tail"`
}

func (a ReadArgs) mode() (string, error) {
	set := 0
	for _, on := range []bool{a.All, a.Head > 0, a.Tail > 0} {
		if on {
			set++
		}
	}
	if set > 1 {
		return "", fmt.Errorf("all, head and tail are mutually exclusive")
	}
	if a.Head < 0 || a.Tail < 0 {
		return "", fmt.Errorf("head and tail must be non-negative")
	}
	if a.All || a.Head > 0 || a.Tail > 0 {
		return daemon.ReadModeAll, nil
	}
	return daemon.ReadModeNew, nil
}

func (r *ToolRegistry) callRead(args json.RawMessage) (*CallToolResult, error) {
	var a ReadArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("parse args: %w", err)
		}
	}

	mode, err := a.mode()
	if err != nil {
		return nil, err
	}

	output, _, err := r.client.Read(a.RunID, mode, a.Head, a.Tail)
	if err != nil {
		return nil, err
	}
	return textResult(output), nil
}

func (r *ToolRegistry) callList() (*CallToolResult, error) {
	runs, err := r.client.List()
	if err != nil {
		return nil, err
	}
	return jsonResult(runs)
}

func (r *ToolRegistry) callPreview() (*CallToolResult, error) {
	frame, err := r.client.Preview()
	if err != nil {
		return nil, err
	}
	return &CallToolResult{
		Content: []ContentBlock{{
			Type:     "image",
			Data:     base64.StdEncoding.EncodeToString(frame.Data),
			MimeType: frame.MIME,
		}},
	}, nil
}

func (r *ToolRegistry) callDelete() (*CallToolResult, error) {
	deleted, err := r.client.Delete()
	if err != nil {
		return nil, err
	}
	if deleted == "" {
		return textResult("No image to delete"), nil
	}
	return textResult(fmt.Sprintf("Deleted %s", deleted)), nil
}

type SaveArgs struct {
	Dest     string `json:"dest"`
	Artifact string `json:"artifact"`
}

func (r *ToolRegistry) callSave(args json.RawMessage) (*CallToolResult, error) {
	var a SaveArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if err := daemon.ValidateDest(a.Dest); err != nil {
		return nil, err
	}

	saved, err := r.client.Save(a.Artifact, a.Dest)
	if err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Saved copy to %s", saved)), nil
}

func (r *ToolRegistry) callCancel() (*CallToolResult, error) {
	cancelled, err := r.client.Cancel()
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return textResult("No generation running"), nil
	}
	return textResult("Generation cancelled"), nil
}

func textResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func jsonResult(v interface{}) (*CallToolResult, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(output)), nil
}
