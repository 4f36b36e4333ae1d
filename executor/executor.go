// Package executor runs external commands with output capture, environment
// control, retry support and context cancellation. The pipeline uses it to
// drive the vulnerability scanner, but it carries no scanner knowledge of
// its own.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Result holds the output and exit status from a command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor defines the interface for command execution.
type Executor interface {
	// Execute runs the program with the given arguments.
	Execute(ctx context.Context, args []string, opts ...Option) (*Result, error)
}

// Command executes a fixed program with per-call arguments. The zero value
// is not usable; construct with New.
type Command struct {
	program string
	base    *Options
}

// Options configures command execution behavior.
type Options struct {
	// WorkingDir is the directory the command runs in.
	WorkingDir string

	// Env is appended to the current process environment.
	Env map[string]string

	// Stdout, when set, receives stdout in addition to capture.
	Stdout io.Writer

	// Stderr, when set, receives stderr in addition to capture.
	Stderr io.Writer

	// MaxRetries is the number of additional attempts after a failure.
	MaxRetries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// RetryOn decides whether a failure is retried. Nil retries every
	// failure up to MaxRetries.
	RetryOn func(error) bool
}

// Option mutates Options.
type Option func(*Options)

// WithWorkingDir sets the working directory.
func WithWorkingDir(dir string) Option {
	return func(o *Options) { o.WorkingDir = dir }
}

// WithEnv adds environment variables.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			o.Env[k] = v
		}
	}
}

// WithStdout mirrors stdout to w while still capturing it.
func WithStdout(w io.Writer) Option {
	return func(o *Options) { o.Stdout = w }
}

// WithStderr mirrors stderr to w while still capturing it.
func WithStderr(w io.Writer) Option {
	return func(o *Options) { o.Stderr = w }
}

// WithRetry configures retry behavior.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}

// WithRetryCondition sets a custom retry condition.
func WithRetryCondition(fn func(error) bool) Option {
	return func(o *Options) { o.RetryOn = fn }
}

// New creates a Command for the given program.
func New(program string, opts ...Option) *Command {
	base := &Options{RetryDelay: time.Second}
	for _, opt := range opts {
		opt(base)
	}
	return &Command{program: program, base: base}
}

// Execute runs the program with args, applying per-call options on top of
// the options the Command was constructed with. A non-zero exit status is
// returned as an error; the Result is populated in either case.
func (c *Command) Execute(ctx context.Context, args []string, opts ...Option) (*Result, error) {
	options := c.mergeOptions(opts...)

	attempts := options.MaxRetries + 1
	var result *Result
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = c.run(ctx, args, options)
		if err == nil || attempt == attempts {
			return result, err
		}
		if options.RetryOn != nil && !options.RetryOn(err) {
			return result, err
		}
		select {
		case <-ctx.Done():
			return result, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(options.RetryDelay):
		}
	}

	return result, err
}

func (c *Command) run(ctx context.Context, args []string, options *Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.program, args...)

	if options.WorkingDir != "" {
		cmd.Dir = options.WorkingDir
	}
	if len(options.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range options.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if options.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, options.Stdout)
	}
	cmd.Stderr = &stderr
	if options.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, options.Stderr)
	}

	err := cmd.Run()

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
	}

	if err != nil {
		return result, fmt.Errorf("%s: %w", c.program, err)
	}
	return result, nil
}

func (c *Command) mergeOptions(opts ...Option) *Options {
	merged := *c.base
	if len(c.base.Env) > 0 {
		merged.Env = make(map[string]string, len(c.base.Env))
		for k, v := range c.base.Env {
			merged.Env[k] = v
		}
	}
	for _, opt := range opts {
		opt(&merged)
	}
	return &merged
}
