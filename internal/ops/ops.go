// ABOUTME: Agent-side operation handlers for filesystem and process access.
// ABOUTME: One Run entry point shared by the local HTTP server and the duplex channel.

package ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnknownOperation is returned for operation names no handler claims.
var ErrUnknownOperation = errors.New("unknown operation")

// DefaultExecTimeout bounds exec.run when the caller supplies none.
const DefaultExecTimeout = 60 * time.Second

// FileInfo describes one directory entry in an fs.list result.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

// ListResult is the fs.list response payload.
type ListResult struct {
	Path    string     `json:"path"`
	Entries []FileInfo `json:"entries"`
}

// ReadResult is the fs.read response payload.
type ReadResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteResult is the fs.write response payload.
type WriteResult struct {
	Path    string `json:"path"`
	Written int    `json:"written"`
}

// ExecResult is the exec.run response payload.
type ExecResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Runner executes named operations against the local machine. Root confines
// filesystem operations; an empty Root allows absolute paths anywhere.
type Runner struct {
	root string
}

// NewRunner creates a Runner. root confines fs.* operations to a directory
// subtree when non-empty.
func NewRunner(root string) *Runner {
	return &Runner{root: root}
}

// Run executes one named operation. Argument validation failures and handler
// failures both come back as plain errors; the transport layer decides how to
// encode them.
func (r *Runner) Run(ctx context.Context, operation string, args map[string]any) (any, error) {
	switch operation {
	case "fs.list":
		return r.list(args)
	case "fs.read":
		return r.read(args)
	case "fs.write":
		return r.write(args)
	case "exec.run":
		return r.execRun(ctx, args)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
}

// resolve validates a path argument against the configured root.
func (r *Runner) resolve(args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return "", fmt.Errorf("path argument is required")
	}
	if r.root == "" {
		return path, nil
	}
	joined := filepath.Join(r.root, path)
	rel, err := filepath.Rel(r.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the agent root", path)
	}
	return joined, nil
}

func (r *Runner) list(args map[string]any) (any, error) {
	path, err := r.resolve(args)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	result := ListResult{Path: path, Entries: make([]FileInfo, 0, len(entries))}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result.Entries = append(result.Entries, FileInfo{
			Name:    entry.Name(),
			Size:    info.Size(),
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return result, nil
}

func (r *Runner) read(args map[string]any) (any, error) {
	path, err := r.resolve(args)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ReadResult{Path: path, Content: string(content)}, nil
}

func (r *Runner) write(args map[string]any) (any, error) {
	path, err := r.resolve(args)
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content argument is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return WriteResult{Path: path, Written: len(content)}, nil
}

func (r *Runner) execRun(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command argument is required")
	}

	timeout := DefaultExecTimeout
	if raw, ok := args["timeout"].(string); ok && raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing timeout %q: %w", raw, err)
		}
		timeout = parsed
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{
		Command: command,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		// exit 0
	case errors.As(err, &exitErr):
		// Non-zero exit is a result, not a transport failure.
		result.ExitCode = exitErr.ExitCode()
	case ctx.Err() != nil:
		return nil, fmt.Errorf("command timed out after %s", timeout)
	default:
		return nil, fmt.Errorf("running command: %w", err)
	}

	return result, nil
}
