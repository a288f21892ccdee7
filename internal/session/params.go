package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNoModel  = errors.New("select a model")
	ErrNoPrompt = errors.New("enter a prompt")
)

const (
	DefaultSampler   = "euler_a"
	DefaultScheduler = "discrete"

	// the backend rewrites the preview file after every sampling step
	previewEveryStep = "1"
)

// Params are the user-facing generation settings.
type Params struct {
	Model          string  `json:"model"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Seed           int64   `json:"seed"`
	Sampler        string  `json:"sampler,omitempty"`
	Scheduler      string  `json:"scheduler,omitempty"`
	Threads        int     `json:"threads"`
	Verbose        bool    `json:"verbose,omitempty"`
	Canny          bool    `json:"canny,omitempty"`
	RNGCuda        bool    `json:"rng_cuda,omitempty"`
}

func DefaultParams() Params {
	return Params{
		Width:     512,
		Height:    512,
		Steps:     20,
		CFGScale:  7,
		Seed:      -1,
		Sampler:   DefaultSampler,
		Scheduler: DefaultScheduler,
		Threads:   -1,
	}
}

// Validate reports missing or unusable settings before anything is spawned.
func (p Params) Validate() error {
	if strings.TrimSpace(p.Model) == "" {
		return ErrNoModel
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return ErrNoPrompt
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", p.Width, p.Height)
	}
	if p.Steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", p.Steps)
	}
	return nil
}

// BuildArgs renders the backend argument vector. The order matches what
// the backend's original front end passed.
func BuildArgs(p Params, outputPath, previewPath string) []string {
	sampler := p.Sampler
	if sampler == "" {
		sampler = DefaultSampler
	}
	scheduler := p.Scheduler
	if scheduler == "" {
		scheduler = DefaultScheduler
	}

	args := []string{
		"-m", p.Model,
		"-p", strings.TrimSpace(p.Prompt),
		"-o", outputPath,
		"-H", strconv.Itoa(p.Height),
		"-W", strconv.Itoa(p.Width),
		"--steps", strconv.Itoa(p.Steps),
		"--cfg-scale", strconv.FormatFloat(p.CFGScale, 'f', -1, 64),
		"--seed", strconv.FormatInt(p.Seed, 10),
		"--sampling-method", sampler,
		"--scheduler", scheduler,
		"--threads", strconv.Itoa(p.Threads),
		"--preview-path", previewPath,
		"--preview-interval", previewEveryStep,
	}

	if neg := strings.TrimSpace(p.NegativePrompt); neg != "" {
		args = append(args, "-n", neg)
	}
	if p.Verbose {
		args = append(args, "-v")
	}
	if p.Canny {
		args = append(args, "--canny")
	}
	if p.RNGCuda {
		args = append(args, "--rng", "cuda")
	}
	return args
}
