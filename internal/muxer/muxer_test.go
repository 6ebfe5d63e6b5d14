package muxer

import (
	"bufio"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHLSCommand(t *testing.T) {
	cmd := HLSCommand("/usr/bin/ffmpeg", "/tmp/out", 4*time.Second, "2500k", "128k")

	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	assert.Equal(t, []string{
		"-loglevel", "info",
		"-hide_banner",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-b:v", "2500k", "-maxrate", "2500k",
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "0",
		"-hls_flags", "append_list+split_by_time",
		"-hls_segment_filename", "/tmp/out/segment_%05d.ts",
		"/tmp/out/stream.m3u8",
	}, cmd.Args)
}

func TestParseSegmentOpen(t *testing.T) {
	tests := []struct {
		line string
		name string
		ok   bool
	}{
		{"[hls @ 0x5590] Opening '/tmp/out/segment_00003.ts' for writing", "segment_00003.ts", true},
		{"[hls @ 0x5590] Opening '/tmp/out/stream.m3u8.tmp' for writing", "", false},
		{"frame=  120 fps= 30 q=23.0 size=512kB", "", false},
		{"pipe:0: Invalid data found when processing input", "", false},
	}

	for _, tt := range tests {
		name, ok := parseSegmentOpen(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.name, name, tt.line)
	}
}

func TestScanLinesWithCR(t *testing.T) {
	input := "line one\rline two\r\nline three\nline four"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanLinesWithCR)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Equal(t, []string{"line one", "line two", "line three", "line four"}, lines)
}

func TestConsumeStderrErrorRing(t *testing.T) {
	m := New(Command{}, nil)

	var b strings.Builder
	for i := 0; i < 15; i++ {
		b.WriteString("error line\n")
	}
	b.WriteString("[hls @ 0x1] Opening '/tmp/segment_00001.ts' for writing\n")
	b.WriteString("frame=  120 fps= 30 speed=1.2x\n")
	b.WriteString("last error\n")
	m.consumeStderr(strings.NewReader(b.String()))

	lines := m.ErrorLines()
	require.Len(t, lines, maxErrorLines)
	assert.Equal(t, "last error", lines[len(lines)-1])
}

func TestMuxerLifecycle(t *testing.T) {
	// cat stands in for the child: it copies stdin until EOF and exits zero.
	m := New(Command{Binary: "cat"}, nil)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Write([]byte("media bytes")))
	require.NoError(t, m.CloseInput())

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("muxer did not exit after stdin close")
	}
	assert.NoError(t, m.ExitErr())
	assert.Nil(t, m.Stats())
}

func TestMuxerStopKillsHungProcess(t *testing.T) {
	m := New(Command{Binary: "sleep", Args: []string{"60"}}, nil)
	require.NoError(t, m.Start(context.Background()))

	start := time.Now()
	m.Stop(50 * time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-m.Done():
	default:
		t.Fatal("done not closed after Stop")
	}
	assert.Error(t, m.ExitErr())
}
