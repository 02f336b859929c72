package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"roof-segmenter/internal/domain"
)

// Progress is one structured progress update emitted by the model process.
type Progress struct {
	Percent int
	Message string
}

// Request contains input/output paths and callbacks for one model run.
type Request struct {
	InputPath  string
	OutputPath string
	OnProgress func(Progress)
}

// Result contains the annotated output path, parsed detections, and any
// unstructured lines the process printed along the way.
type Result struct {
	OutputPath  string
	Segments    []domain.Segment
	Diagnostics []string
}

// InvokeError is a stage-aware model invocation failure.
type InvokeError struct {
	Stage    string `json:"stage"`
	Message  string `json:"message"`
	ExitCode int    `json:"exitCode"`
	Stderr   string `json:"stderr,omitempty"`
	Err      error  `json:"-"`
}

// Error formats invocation failures for logs and API error details.
func (e *InvokeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s (exit=%d)", e.Stage, e.Message, e.ExitCode)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *InvokeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// scriptMessage is one JSON line of the model process stdout protocol.
type scriptMessage struct {
	Type       string          `json:"type"`
	Progress   int             `json:"progress"`
	Message    string          `json:"message"`
	OutputPath string          `json:"output_path"`
	Segments   []scriptSegment `json:"segments"`
}

// scriptSegment mirrors one detection entry of the final success payload.
type scriptSegment struct {
	RelativePath string   `json:"relative_path"`
	BBox         []int    `json:"bbox"`
	ClassID      *int     `json:"class_id"`
	ClassName    string   `json:"class_name"`
	Confidence   *float64 `json:"confidence"`
	Area         *float64 `json:"area"`
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability. Each stdout
// line is delivered through onLine while the process is still running.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, onLine func(line string)) (commandResult, error)
}

// maxLineSize caps one stdout line; the success payload for a crowded
// image can run well past bufio's default token limit.
const maxLineSize = 4 << 20

// execRunner executes commands via os/exec, streaming stdout line by line.
type execRunner struct{}

// Run starts one command, forwards stdout lines, and captures stderr.
func (r *execRunner) Run(ctx context.Context, name string, args []string, onLine func(line string)) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return commandResult{ExitCode: -1}, err
	}

	if err := cmd.Start(); err != nil {
		return commandResult{ExitCode: -1, Stderr: stderr.String()}, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	scanErr := scanner.Err()

	err = cmd.Wait()
	result := commandResult{
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	if scanErr != nil {
		return result, scanErr
	}

	return result, nil
}

// Invoker runs the external segmentation model over one input image and
// parses its stdout protocol. One call resolves per job; concurrent jobs
// each get their own child process.
type Invoker struct {
	pythonBin  string
	scriptPath string
	modelPath  string
	timeout    time.Duration

	runner   commandRunner
	stat     func(name string) (os.FileInfo, error)
	readDir  func(name string) ([]os.DirEntry, error)
	mkdirAll func(path string, perm os.FileMode) error
}

// New constructs the production invoker with OS dependencies.
func New(pythonBin, scriptPath, modelPath string, timeout time.Duration) *Invoker {
	return &Invoker{
		pythonBin:  pythonBin,
		scriptPath: scriptPath,
		modelPath:  modelPath,
		timeout:    timeout,
		runner:     &execRunner{},
		stat:       os.Stat,
		readDir:    os.ReadDir,
		mkdirAll:   os.MkdirAll,
	}
}

// Run executes one segmentation pass and returns parsed detections.
// The run is bounded by the configured timeout; on expiry the child
// process is killed and the invocation fails.
func (iv *Invoker) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.InputPath) == "" {
		return Result{}, &InvokeError{
			Stage:   "spawn",
			Message: "input image path is required",
		}
	}
	if _, err := iv.stat(req.InputPath); err != nil {
		return Result{}, &InvokeError{
			Stage:   "spawn",
			Message: fmt.Sprintf("cannot access input image: %s", req.InputPath),
			Err:     err,
		}
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return Result{}, &InvokeError{
			Stage:   "spawn",
			Message: "output image path is required",
		}
	}

	modelPath, err := iv.resolveModelPath()
	if err != nil {
		return Result{}, &InvokeError{
			Stage:   "spawn",
			Message: err.Error(),
			Err:     err,
		}
	}

	if _, err := iv.stat(iv.scriptPath); err != nil {
		return Result{}, &InvokeError{
			Stage:   "spawn",
			Message: fmt.Sprintf("cannot access inference script: %s", iv.scriptPath),
			Err:     err,
		}
	}

	if err := iv.mkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return Result{}, &InvokeError{
			Stage:   "spawn",
			Message: fmt.Sprintf("cannot create output directory for: %s", req.OutputPath),
			Err:     err,
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if iv.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, iv.timeout)
		defer cancel()
	}

	var (
		success     *scriptMessage
		scriptError string
		diagnostics []string
	)

	onLine := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}

		var msg scriptMessage
		if err := json.Unmarshal([]byte(line), &msg); err == nil {
			switch msg.Type {
			case "progress":
				if req.OnProgress != nil {
					req.OnProgress(Progress{Percent: msg.Progress, Message: msg.Message})
				}
				return
			case "success":
				payload := msg
				success = &payload
				return
			case "error":
				scriptError = msg.Message
				return
			}
		}

		// Anything else is plain log output from the model process. It is
		// the only visibility into a slow run, so keep it.
		diagnostics = append(diagnostics, line)
		slog.Debug("model process output", "line", line)
	}

	args := []string{"-u", iv.scriptPath, modelPath, req.InputPath, req.OutputPath}
	cmdResult, runErr := iv.runner.Run(runCtx, iv.pythonBin, args, onLine)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{}, &InvokeError{
			Stage:    "inference",
			Message:  fmt.Sprintf("model run exceeded %s and was terminated", iv.timeout),
			ExitCode: cmdResult.ExitCode,
			Stderr:   cmdResult.Stderr,
			Err:      runCtx.Err(),
		}
	}

	if scriptError != "" {
		return Result{}, &InvokeError{
			Stage:    "inference",
			Message:  scriptError,
			ExitCode: cmdResult.ExitCode,
			Stderr:   cmdResult.Stderr,
			Err:      runErr,
		}
	}
	if runErr != nil {
		return Result{}, &InvokeError{
			Stage:    "inference",
			Message:  "model process failed",
			ExitCode: cmdResult.ExitCode,
			Stderr:   cmdResult.Stderr,
			Err:      runErr,
		}
	}
	if success == nil {
		return Result{}, &InvokeError{
			Stage:    "output",
			Message:  "model process exited without reporting a result",
			ExitCode: cmdResult.ExitCode,
			Stderr:   cmdResult.Stderr,
		}
	}

	outputPath := success.OutputPath
	if strings.TrimSpace(outputPath) == "" {
		outputPath = req.OutputPath
	}
	if _, err := iv.stat(outputPath); err != nil {
		return Result{}, &InvokeError{
			Stage:    "output",
			Message:  fmt.Sprintf("model reported success but output image is missing: %s", outputPath),
			ExitCode: cmdResult.ExitCode,
			Err:      err,
		}
	}

	segments, err := mapSegments(success.Segments)
	if err != nil {
		return Result{}, &InvokeError{
			Stage:    "output",
			Message:  err.Error(),
			ExitCode: cmdResult.ExitCode,
		}
	}

	return Result{
		OutputPath:  outputPath,
		Segments:    segments,
		Diagnostics: diagnostics,
	}, nil
}

// mapSegments converts payload entries into domain segments. IDs and URLs
// are assigned later by the pipeline, which knows the job identity.
func mapSegments(raw []scriptSegment) ([]domain.Segment, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	segments := make([]domain.Segment, 0, len(raw))
	for i, entry := range raw {
		if strings.TrimSpace(entry.RelativePath) == "" {
			return nil, fmt.Errorf("segment %d is missing its crop path", i+1)
		}
		if len(entry.BBox) != 4 {
			return nil, fmt.Errorf("segment %d has malformed bounding box: %v", i+1, entry.BBox)
		}

		segment := domain.Segment{
			ClassID:    entry.ClassID,
			ClassName:  entry.ClassName,
			Confidence: entry.Confidence,
			Area:       entry.Area,
			CropPath:   filepath.FromSlash(entry.RelativePath),
		}
		copy(segment.BBox[:], entry.BBox)
		segments = append(segments, segment)
	}

	return segments, nil
}

// resolveModelPath returns the model artifact from a file or directory
// configuration. For a directory the first weight file wins.
func (iv *Invoker) resolveModelPath() (string, error) {
	modelPath := strings.TrimSpace(iv.modelPath)
	if modelPath == "" {
		return "", fmt.Errorf("model path is required")
	}

	info, err := iv.stat(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot access model path: %s", modelPath)
	}
	if !info.IsDir() {
		return modelPath, nil
	}

	entries, err := iv.readDir(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot read model directory: %s", modelPath)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".pt" || ext == ".onnx" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .pt or .onnx model files found in: %s", modelPath)
	}

	sort.Strings(names)
	return filepath.Join(modelPath, names[0]), nil
}

// NewInvokerForTests constructs an invoker with injectable dependencies.
func NewInvokerForTests(
	pythonBin string,
	scriptPath string,
	modelPath string,
	timeout time.Duration,
	runner commandRunner,
	stat func(name string) (os.FileInfo, error),
) *Invoker {
	return &Invoker{
		pythonBin:  pythonBin,
		scriptPath: scriptPath,
		modelPath:  modelPath,
		timeout:    timeout,
		runner:     runner,
		stat:       stat,
		readDir:    os.ReadDir,
		mkdirAll:   os.MkdirAll,
	}
}
