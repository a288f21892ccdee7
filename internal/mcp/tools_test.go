package mcp

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/schovi/sdlive/internal/daemon"
	"github.com/schovi/sdlive/internal/session"
)

type fakeClient struct {
	generated []session.Params
	statuses  []daemon.Status
	runs      []daemon.RunMeta
	output    string
	frame     *daemon.FrameData
	deleted   string
	saved     [2]string
	cancelled bool
	err       error

	statusCalls int
	readMode    string
}

func (c *fakeClient) EnsureDaemon() error { return c.err }

func (c *fakeClient) Generate(p session.Params) (*daemon.RunMeta, error) {
	c.generated = append(c.generated, p)
	return &daemon.RunMeta{ID: "run_1", Model: p.Model, Prompt: p.Prompt, State: daemon.RunRunning}, nil
}

func (c *fakeClient) Status() (*daemon.Status, error) {
	i := min(c.statusCalls, len(c.statuses)-1)
	c.statusCalls++
	st := c.statuses[i]
	return &st, nil
}

func (c *fakeClient) List() ([]daemon.RunMeta, error) { return c.runs, nil }

func (c *fakeClient) Read(run, mode string, head, tail int) (string, int, error) {
	c.readMode = mode
	return c.output, len(c.output), nil
}

func (c *fakeClient) Preview() (*daemon.FrameData, error) {
	if c.frame == nil {
		return nil, errors.New("no preview available")
	}
	return c.frame, nil
}

func (c *fakeClient) Delete() (string, error) { return c.deleted, nil }

func (c *fakeClient) Save(artifact, dest string) (string, error) {
	c.saved = [2]string{artifact, dest}
	return dest, nil
}

func (c *fakeClient) Cancel() (bool, error) { return c.cancelled, nil }

func call(t *testing.T, r *ToolRegistry, name, args string) (*CallToolResult, error) {
	t.Helper()
	if args == "" {
		args = "{}"
	}
	return r.Call(name, json.RawMessage(args))
}

func TestToolList(t *testing.T) {
	r := NewToolRegistry(&fakeClient{})
	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Name)
		if tool.InputSchema["type"] != "object" {
			t.Errorf("tool %s schema type = %v", tool.Name, tool.InputSchema["type"])
		}
	}
	want := "generate status read list preview delete save cancel"
	if got := strings.Join(names, " "); got != want {
		t.Errorf("tools = %q, want %q", got, want)
	}
}

func TestGenerateArgsParams(t *testing.T) {
	seed := int64(0)
	cfg := 4.5
	a := GenerateArgs{Model: "m", Prompt: "p", Steps: 8, Seed: &seed, CFGScale: &cfg}
	p := a.Params()

	if p.Steps != 8 || p.Seed != 0 || p.CFGScale != 4.5 {
		t.Errorf("explicit values lost: %+v", p)
	}
	if p.Width != 512 || p.Height != 512 || p.Sampler != "euler_a" || p.Threads != -1 {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestCallGenerate(t *testing.T) {
	t.Run("missing prompt is rejected locally", func(t *testing.T) {
		c := &fakeClient{}
		_, err := call(t, NewToolRegistry(c), "generate", `{"model": "m.gguf"}`)
		if !errors.Is(err, session.ErrNoPrompt) {
			t.Fatalf("err = %v, want ErrNoPrompt", err)
		}
		if len(c.generated) != 0 {
			t.Error("daemon should not be asked")
		}
	})

	t.Run("returns run without waiting", func(t *testing.T) {
		c := &fakeClient{}
		res, err := call(t, NewToolRegistry(c), "generate", `{"model": "m.gguf", "prompt": "a fox"}`)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !strings.Contains(res.Content[0].Text, `"id": "run_1"`) {
			t.Errorf("result = %s", res.Content[0].Text)
		}
		if c.statusCalls != 0 {
			t.Error("status should not be polled")
		}
	})

	t.Run("waits for the run", func(t *testing.T) {
		running := daemon.RunMeta{ID: "run_1", State: daemon.RunRunning}
		finished := daemon.RunMeta{ID: "run_1", State: daemon.RunFinished, Artifact: "/out/img.png"}
		c := &fakeClient{
			statuses: []daemon.Status{
				{Run: &running},
				{Run: &finished},
			},
			runs:   []daemon.RunMeta{finished},
			output: "done",
		}
		start := time.Now()
		res, err := call(t, NewToolRegistry(c), "generate", `{"model": "m.gguf", "prompt": "a fox", "wait": true, "timeout_sec": 5}`)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !strings.Contains(res.Content[0].Text, "/out/img.png") {
			t.Errorf("result = %s", res.Content[0].Text)
		}
		if c.statusCalls < 3 {
			t.Errorf("status polled %d times, want at least 3", c.statusCalls)
		}
		if time.Since(start) > 4*time.Second {
			t.Error("wait took too long")
		}
	})
}

func TestReadArgsMode(t *testing.T) {
	tests := []struct {
		name     string
		args     ReadArgs
		wantMode string
		wantErr  string
	}{
		{"default reads new", ReadArgs{}, daemon.ReadModeNew, ""},
		{"all", ReadArgs{All: true}, daemon.ReadModeAll, ""},
		{"tail", ReadArgs{Tail: 5}, daemon.ReadModeAll, ""},
		{"all and head", ReadArgs{All: true, Head: 2}, "", "mutually exclusive"},
		{"head and tail", ReadArgs{Head: 1, Tail: 1}, "", "mutually exclusive"},
		{"negative tail", ReadArgs{Tail: -1}, "", "non-negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := tt.args.mode()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", mode, tt.wantMode)
			}
		})
	}
}

func TestCallRead(t *testing.T) {
	c := &fakeClient{output: "step 3/20"}
	res, err := call(t, NewToolRegistry(c), "read", `{"tail": 1}`)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Content[0].Text != "step 3/20" || c.readMode != daemon.ReadModeAll {
		t.Errorf("result = %q mode = %q", res.Content[0].Text, c.readMode)
	}
}

func TestCallPreview(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n")
	c := &fakeClient{frame: &daemon.FrameData{Seq: 2, MIME: "image/png", Data: png}}

	res, err := call(t, NewToolRegistry(c), "preview", "")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	block := res.Content[0]
	if block.Type != "image" || block.MimeType != "image/png" {
		t.Errorf("block = %+v", block)
	}
	if block.Data != base64.StdEncoding.EncodeToString(png) {
		t.Errorf("data = %q", block.Data)
	}

	if _, err := call(t, NewToolRegistry(&fakeClient{}), "preview", ""); err == nil {
		t.Error("preview without frame should fail")
	}
}

func TestCallSaveDeleteCancel(t *testing.T) {
	c := &fakeClient{deleted: "/out/img.png", cancelled: true}
	r := NewToolRegistry(c)

	if _, err := call(t, r, "save", `{"dest": "relative.png"}`); err == nil {
		t.Error("relative dest should be rejected")
	}
	res, err := call(t, r, "save", `{"dest": "/tmp/fav.png", "artifact": "/out/img.png"}`)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if c.saved != [2]string{"/out/img.png", "/tmp/fav.png"} || !strings.Contains(res.Content[0].Text, "/tmp/fav.png") {
		t.Errorf("saved = %v, result = %q", c.saved, res.Content[0].Text)
	}

	res, err = call(t, r, "delete", "")
	if err != nil || res.Content[0].Text != "Deleted /out/img.png" {
		t.Errorf("delete = %+v, %v", res, err)
	}

	res, err = call(t, r, "cancel", "")
	if err != nil || res.Content[0].Text != "Generation cancelled" {
		t.Errorf("cancel = %+v, %v", res, err)
	}
}

func TestCallDaemonUnavailable(t *testing.T) {
	c := &fakeClient{err: errors.New("dial unix: no such file")}
	_, err := call(t, NewToolRegistry(c), "status", "")
	if err == nil || !strings.HasPrefix(err.Error(), "daemon: ") {
		t.Errorf("err = %v", err)
	}
}
