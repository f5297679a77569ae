package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/scribelabs/scribe-core/internal/config"
)

type execEngine struct {
	args     []string
	language string
	cmd      *exec.Cmd
	mu       sync.Mutex
	stopped  bool
}

type execLine struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
	Error string `json:"error,omitempty"`
}

// NewExecFactory returns a factory for engines backed by a long-running
// recognizer command that writes one JSON result per line to stdout.
func NewExecFactory(cfg config.CaptureConfig) (Factory, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return func() (Engine, error) {
		return &execEngine{args: args, language: cfg.Language}, nil
	}, nil
}

func (e *execEngine) Start(h Handlers) error {
	cmdArgs := append([]string{}, e.args[1:]...)
	if e.language != "" {
		cmdArgs = append(cmdArgs, "--language", e.language)
	}
	cmd := exec.Command(e.args[0], cmdArgs...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}

	e.mu.Lock()
	e.cmd = cmd
	e.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			var line execLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				if h.OnError != nil {
					h.OnError(fmt.Errorf("decode recognizer output: %w", err))
				}
				continue
			}
			if line.Error != "" {
				if h.OnError != nil {
					h.OnError(fmt.Errorf("recognizer: %s", line.Error))
				}
				continue
			}
			if h.OnResult != nil {
				h.OnResult(Result{Text: line.Text, Final: line.Final})
			}
		}
		_ = cmd.Wait()
		if h.OnEnd != nil {
			h.OnEnd()
		}
	}()
	return nil
}

func (e *execEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
}
