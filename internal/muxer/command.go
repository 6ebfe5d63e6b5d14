package muxer

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CommandBuilder builds muxer command lines with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
}

// NewCommandBuilder creates a new command builder.
func NewCommandBuilder(binary string) *CommandBuilder {
	return &CommandBuilder{
		binary:   binary,
		logLevel: "error",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// InputArgs adds raw input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// VideoPreset sets the encoder preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-preset", preset)
	return b
}

// VideoTune sets the encoder tune.
func (b *CommandBuilder) VideoTune(tune string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-tune", tune)
	return b
}

// VideoBitrate sets a fixed video bitrate ceiling.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate, "-maxrate", bitrate)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// HLSArgs adds live HLS output arguments. The full playlist is retained so
// finished streams remain playable from the same manifest.
func (b *CommandBuilder) HLSArgs(segmentTime int, segmentPattern string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentTime),
		"-hls_list_size", "0",
		"-hls_flags", "append_list+split_by_time",
		"-hls_segment_filename", segmentPattern,
	)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build assembles the final command.
func (b *CommandBuilder) Build() Command {
	var args []string
	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)
	return Command{Binary: b.binary, Args: args}
}

// Command is a fully assembled muxer command line.
type Command struct {
	Binary string
	Args   []string
}

// String renders the command for logging.
func (c Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// SegmentFilePattern is the muxer segment filename template.
const SegmentFilePattern = "segment_%05d.ts"

// ManifestFileName is the muxer playlist filename.
const ManifestFileName = "stream.m3u8"

// HLSCommand builds the zero-latency live command: baseline H.264 with the
// fastest preset and low-latency tune at a fixed bitrate ceiling, AAC audio,
// HLS output with fixed-duration segments read from raw bytes on stdin.
func HLSCommand(binary string, outputDir string, segmentDuration time.Duration, videoBitrate, audioBitrate string) Command {
	return NewCommandBuilder(binary).
		LogLevel("info").
		HideBanner().
		Input("pipe:0").
		VideoCodec("libx264").
		VideoPreset("ultrafast").
		VideoTune("zerolatency").
		VideoBitrate(videoBitrate).
		AudioCodec("aac").
		AudioBitrate(audioBitrate).
		HLSArgs(int(segmentDuration.Seconds()), filepath.Join(outputDir, SegmentFilePattern)).
		Output(filepath.Join(outputDir, ManifestFileName)).
		Build()
}
