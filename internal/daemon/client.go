package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/schovi/sdlive/internal/session"
)

type Client struct {
	socketPath string
	// DaemonArgs are passed to "daemon" when EnsureDaemon starts one.
	DaemonArgs []string
}

// NewClient talks to the daemon listening in socketDir.
func NewClient(socketDir string) *Client {
	return &Client{socketPath: SocketPath(socketDir)}
}

func NewClientWithSocketPath(path string) *Client {
	return &Client{socketPath: path}
}

func (c *Client) EnsureDaemon() error {
	if c.Ping() {
		return nil
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}

	cmd := exec.Command(exePath, append([]string{"daemon"}, c.DaemonArgs...)...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	deadline := time.Now().Add(DaemonStartTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(DaemonPollInterval)
		if c.Ping() {
			return nil
		}
	}

	return fmt.Errorf("daemon failed to start")
}

func (c *Client) Ping() bool {
	resp, err := c.send(Request{Action: "ping"})
	return err == nil && resp.Success
}

// Generate starts a run and returns its record without waiting.
func (c *Client) Generate(p session.Params) (*RunMeta, error) {
	var meta RunMeta
	if err := c.call(Request{Action: "generate", Params: &p}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *Client) Status() (*Status, error) {
	var st Status
	if err := c.call(Request{Action: "status"}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) List() ([]RunMeta, error) {
	var runs []RunMeta
	if err := c.call(Request{Action: "list"}, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Read returns run output. An empty run id reads the current run.
func (c *Client) Read(run, mode string, headLines, tailLines int) (string, int, error) {
	resp, err := c.send(Request{
		Action:    "read",
		RunID:     run,
		Mode:      mode,
		HeadLines: headLines,
		TailLines: tailLines,
	})
	if err != nil {
		return "", 0, err
	}
	if !resp.Success {
		return "", 0, fmt.Errorf("%s", resp.Error)
	}

	data, err := extractMapData(resp)
	if err != nil {
		return "", 0, err
	}

	output, ok := data["output"].(string)
	if !ok {
		return "", 0, fmt.Errorf("missing or invalid output field")
	}
	posFloat, ok := data["position"].(float64)
	if !ok {
		return "", 0, fmt.Errorf("missing or invalid position field")
	}
	return output, int(posFloat), nil
}

func (c *Client) Preview() (*FrameData, error) {
	var frame FrameData
	if err := c.call(Request{Action: "preview"}, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// Delete removes the current image and returns its path, or "" if there
// was none.
func (c *Client) Delete() (string, error) {
	resp, err := c.send(Request{Action: "delete"})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%s", resp.Error)
	}
	if data, ok := resp.Data.(map[string]interface{}); ok {
		path, _ := data["deleted"].(string)
		return path, nil
	}
	return "", nil
}

// Save copies artifact to dest. The daemon refuses if artifact is no longer
// the current image.
func (c *Client) Save(artifact, dest string) (string, error) {
	resp, err := c.send(Request{Action: "save", Artifact: artifact, Dest: dest})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%s", resp.Error)
	}
	data, err := extractMapData(resp)
	if err != nil {
		return "", err
	}
	saved, _ := data["dest"].(string)
	return saved, nil
}

func (c *Client) Cancel() (bool, error) {
	resp, err := c.send(Request{Action: "cancel"})
	if err != nil {
		return false, err
	}
	if !resp.Success {
		return false, fmt.Errorf("%s", resp.Error)
	}
	return resp.Data == "cancelled", nil
}

func (c *Client) call(req Request, out interface{}) error {
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) send(req Request) (*Response, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(ClientDeadline))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func extractMapData(resp *Response) (map[string]interface{}, error) {
	if resp.Data == nil {
		return nil, fmt.Errorf("response has no data")
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected response format: %T", resp.Data)
	}
	return data, nil
}
