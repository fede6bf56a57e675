package player

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	shellwords "github.com/mattn/go-shellwords"
)

// Sink is the terminal of the output graph: something that accepts
// interleaved s16le PCM in real time.
type Sink interface {
	Start() error
	Write(pcm []byte) error
	Close() error
}

// NullSink discards audio. Used headless and in tests.
type NullSink struct{}

func (NullSink) Start() error           { return nil }
func (NullSink) Write(pcm []byte) error { return nil }
func (NullSink) Close() error           { return nil }

// ExecSink pipes PCM into an external player process (ffplay or similar).
type ExecSink struct {
	cmd  []string
	mu   sync.Mutex
	proc *exec.Cmd
	in   io.WriteCloser
}

func NewExecSink(command string) (*ExecSink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse sink command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("sink command empty")
	}
	return &ExecSink{cmd: args}, nil
}

func (s *ExecSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return nil
	}
	cmd := exec.Command(s.cmd[0], s.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sink stdin pipe: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start sink command: %w", err)
	}
	s.proc = cmd
	s.in = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.proc == c {
			s.proc = nil
			s.in = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *ExecSink) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	in := s.in
	s.mu.Unlock()
	if in == nil {
		return fmt.Errorf("sink process not running")
	}
	_, err := in.Write(pcm)
	return err
}

func (s *ExecSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.in != nil {
		_ = s.in.Close()
	}
	if s.proc != nil && s.proc.Process != nil {
		_ = s.proc.Process.Kill()
	}
	s.proc = nil
	s.in = nil
	return nil
}
