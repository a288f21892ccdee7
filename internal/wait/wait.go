package wait

import (
	"context"
	"fmt"
	"time"
)

const DefaultPollInterval = 100 * time.Millisecond

// Observation is one poll of a run.
type Observation struct {
	// Output is what the run printed since the previous poll.
	Output   string
	Position int
	Done     bool
}

type ObserveFunc func() (Observation, error)

type Config struct {
	// TimeoutSec of zero waits until the run is done or ctx ends.
	TimeoutSec   int
	PollInterval time.Duration
	OnOutput     func(string)
}

// ForRun polls until the run is done and its output has stopped growing.
// Output arriving after completion (the final log lines) is still passed
// to OnOutput.
func ForRun(ctx context.Context, observe ObserveFunc, cfg Config) (Observation, error) {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}

	if cfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSec)*time.Second)
		defer cancel()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last Observation
	doneSeen := false
	for {
		obs, err := observe()
		if err != nil {
			return last, err
		}
		if obs.Output != "" && cfg.OnOutput != nil {
			cfg.OnOutput(obs.Output)
		}

		settled := obs.Output == "" && obs.Position == last.Position
		last = obs
		if obs.Done {
			if doneSeen && settled {
				return last, nil
			}
			doneSeen = true
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return last, fmt.Errorf("timeout waiting for run to finish")
			}
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
