package cmd

import (
	"github.com/schovi/sdlive/internal/session"
	"github.com/spf13/pflag"
)

// paramFlags binds generation parameters to a command's flags.
func paramFlags(fs *pflag.FlagSet, p *session.Params) {
	*p = session.DefaultParams()
	fs.StringVarP(&p.Model, "model", "m", "", "Model file passed to the backend")
	fs.StringVarP(&p.Prompt, "prompt", "p", "", "Prompt text")
	fs.StringVarP(&p.NegativePrompt, "negative", "n", "", "Negative prompt")
	fs.IntVarP(&p.Width, "width", "W", p.Width, "Image width in pixels")
	fs.IntVarP(&p.Height, "height", "H", p.Height, "Image height in pixels")
	fs.IntVar(&p.Steps, "steps", p.Steps, "Sampling steps")
	fs.Float64Var(&p.CFGScale, "cfg-scale", p.CFGScale, "Classifier-free guidance scale")
	fs.Int64Var(&p.Seed, "seed", p.Seed, "RNG seed (-1 for random)")
	fs.StringVar(&p.Sampler, "sampler", p.Sampler, "Sampling method")
	fs.StringVar(&p.Scheduler, "scheduler", p.Scheduler, "Noise scheduler")
	fs.IntVarP(&p.Threads, "threads", "t", p.Threads, "CPU threads (-1 for auto)")
	fs.BoolVarP(&p.Verbose, "verbose", "v", false, "Verbose backend output")
	fs.BoolVar(&p.Canny, "canny", false, "Apply canny preprocessing")
	fs.BoolVar(&p.RNGCuda, "rng-cuda", false, "Use the CUDA RNG")
}
