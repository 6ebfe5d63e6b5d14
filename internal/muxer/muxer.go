// Package muxer runs the external transcode process for one stream. Raw
// media bytes go in on stdin; HLS segments and a rolling manifest come out
// in a private output directory.
package muxer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// maxErrorLines bounds the stderr error ring kept for diagnostics.
const maxErrorLines = 10

// Muxer wraps one child transcode process.
type Muxer struct {
	command Command
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser

	started   atomic.Bool
	stopped   atomic.Bool
	startedAt time.Time

	done    chan struct{}
	exitErr error

	errMu    sync.Mutex
	errLines []string
}

// New creates a muxer for the given command.
func New(command Command, logger *slog.Logger) *Muxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Muxer{
		command: command,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// NewHLS creates a muxer running the zero-latency live HLS command.
func NewHLS(binary, outputDir string, segmentDuration time.Duration, videoBitrate, audioBitrate string, logger *slog.Logger) (*Muxer, error) {
	if binary == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
		binary = path
	}
	return New(HLSCommand(binary, outputDir, segmentDuration, videoBitrate, audioBitrate), logger), nil
}

// Start spawns the child process and begins capturing stderr.
func (m *Muxer) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("muxer already started")
	}

	m.cmd = exec.CommandContext(ctx, m.command.Binary, m.command.Args...)
	// The child gets a clean environment; it needs nothing from ours.
	m.cmd.Env = []string{}

	stdin, err := m.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stderr, err := m.cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	m.stdin = stdin
	m.stderr = stderr

	if err := m.cmd.Start(); err != nil {
		stdin.Close()
		stderr.Close()
		return fmt.Errorf("starting muxer: %w", err)
	}
	m.startedAt = time.Now()

	m.logger.Debug("muxer started",
		slog.Int("pid", m.cmd.Process.Pid),
		slog.String("command", m.command.String()))

	go m.consumeStderr(m.stderr)
	go func() {
		m.exitErr = m.cmd.Wait()
		close(m.done)
	}()

	return nil
}

// Write feeds raw media bytes to the child's stdin.
func (m *Muxer) Write(data []byte) error {
	if _, err := m.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to muxer stdin: %w", err)
	}
	return nil
}

// CloseInput closes stdin, signaling end of input. The child flushes its
// last segment and exits on its own.
func (m *Muxer) CloseInput() error {
	return m.stdin.Close()
}

// Done is closed when the child has exited.
func (m *Muxer) Done() <-chan struct{} {
	return m.done
}

// ExitErr reports how the child exited. Only valid after Done is closed.
func (m *Muxer) ExitErr() error {
	return m.exitErr
}

// Stop closes stdin and waits up to grace for a clean exit, then kills the
// child. It is safe to call more than once.
func (m *Muxer) Stop(grace time.Duration) {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	if m.stdin != nil {
		m.stdin.Close()
	}
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}

	select {
	case <-m.done:
		return
	case <-time.After(grace):
		m.logger.Warn("muxer did not exit in time, sending SIGTERM",
			slog.Int("pid", m.cmd.Process.Pid))
		_ = m.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-m.done:
		return
	case <-time.After(500 * time.Millisecond):
		m.logger.Warn("muxer did not respond to SIGTERM, killing",
			slog.Int("pid", m.cmd.Process.Pid))
		_ = m.cmd.Process.Kill()
	}

	<-m.done
}

// ErrorLines returns the most recent stderr error lines.
func (m *Muxer) ErrorLines() []string {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	out := make([]string, len(m.errLines))
	copy(out, m.errLines)
	return out
}

// consumeStderr captures the child's stderr line by line. Segment-open
// markers are informational; everything else is kept in the error ring.
func (m *Muxer) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	// ffmpeg rewrites progress lines with bare carriage returns.
	scanner.Split(scanLinesWithCR)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if name, ok := parseSegmentOpen(line); ok {
			m.logger.Debug("muxer opened segment", slog.String("segment", name))
			continue
		}
		if strings.Contains(line, "frame=") || strings.Contains(line, "speed=") {
			continue
		}

		m.errMu.Lock()
		m.errLines = append(m.errLines, line)
		if len(m.errLines) > maxErrorLines {
			m.errLines = m.errLines[1:]
		}
		m.errMu.Unlock()

		m.logger.Warn("muxer stderr", slog.String("line", line))
	}
}

// parseSegmentOpen recognizes the HLS muxer's segment-open marker, e.g.
// [hls @ 0x...] Opening '/tmp/out/segment_00003.ts' for writing
func parseSegmentOpen(line string) (string, bool) {
	idx := strings.Index(line, "Opening '")
	if idx == -1 {
		return "", false
	}
	rest := line[idx+len("Opening '"):]
	end := strings.IndexByte(rest, '\'')
	if end == -1 {
		return "", false
	}
	path := rest[:end]
	if !strings.HasSuffix(path, ".ts") {
		return "", false
	}
	if slash := strings.LastIndexByte(path, '/'); slash != -1 {
		path = path[slash+1:]
	}
	return path, true
}

// scanLinesWithCR splits on either carriage return or newline, since ffmpeg
// uses \r to overwrite progress lines in place.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ProcessStats holds process-level stats for a running muxer.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryRSSMB   float64 `json:"memoryRssMb"`
	MemoryPercent float64 `json:"memoryPercent"`
	Uptime        string  `json:"uptime"`
}

// Stats returns CPU and memory usage of the child, or nil when it is not
// running.
func (m *Muxer) Stats() *ProcessStats {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	select {
	case <-m.done:
		return nil
	default:
	}

	pid := int32(m.cmd.Process.Pid)
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}

	stats := &ProcessStats{
		PID:    pid,
		Uptime: time.Since(m.startedAt).Round(time.Second).String(),
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	if pct, err := proc.MemoryPercent(); err == nil {
		stats.MemoryPercent = float64(pct)
	}
	return stats
}
