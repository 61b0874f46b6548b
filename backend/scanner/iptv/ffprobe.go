package iptvscan

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/shlex"
	pkgerrors "github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const (
	ffprobeProbeSize       = "500000"
	ffprobeAnalyzeDuration = "1000000"
	ffprobeShowEntries     = "format=duration,bit_rate:format_tags=service_name:" +
		"stream=codec_type,codec_name,width,height,coded_width,coded_height:stream_tags=service_name:" +
		"program_tags=service_name"
)

// StreamInfo is the best-effort metadata read from a stream.
type StreamInfo struct {
	Resolution  string
	Codec       string
	ServiceName string
	BitRate     int64
}

// FFprobe shells out to ffprobe for resolution and codec details.
type FFprobe struct {
	Path  string
	Flags []string
}

type probeStream struct {
	CodecType   string `json:"codec_type"`
	CodecName   string `json:"codec_name"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	CodedWidth  int    `json:"coded_width"`
	CodedHeight int    `json:"coded_height"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// NewFFprobe locates the binary and splits extra flags shell-style.
func NewFFprobe(path, flags string) (*FFprobe, error) {
	if strings.TrimSpace(path) == "" {
		path = "ffprobe"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "ffprobe not found at %q", path)
	}
	extra, err := shlex.Split(flags)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse ffprobe flags")
	}
	return &FFprobe{Path: resolved, Flags: extra}, nil
}

func (f *FFprobe) args(target string, timeout time.Duration, headers map[string]string) []string {
	args := []string{
		"-v", "error",
		"-timeout", strconv.FormatInt(timeout.Microseconds(), 10),
		"-probesize", ffprobeProbeSize,
		"-analyzeduration", ffprobeAnalyzeDuration,
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		if ua := headers["User-Agent"]; ua != "" {
			args = append(args, "-user_agent", ua)
		}
		if ref := headers["Referer"]; ref != "" {
			args = append(args, "-headers", "Referer: "+ref+"\r\n")
		}
	}
	args = append(args, "-show_entries", ffprobeShowEntries, "-of", "json")
	args = append(args, f.Flags...)
	return append(args, target)
}

// Inspect runs ffprobe against target within timeout.
func (f *FFprobe) Inspect(ctx context.Context, target string, timeout time.Duration, headers map[string]string) (*StreamInfo, error) {
	if f == nil {
		return nil, pkgerrors.New("ffprobe disabled")
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Path, f.args(target, timeout, headers)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, pkgerrors.Wrapf(err, "ffprobe: %s", strings.TrimSpace(stderr.String()))
	}
	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(data []byte) (*StreamInfo, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, pkgerrors.New("ffprobe returned empty output")
	}
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, pkgerrors.Wrap(err, "decode ffprobe output")
	}
	info := &StreamInfo{}
	if len(out.Streams) > 0 {
		stream := out.Streams[0]
		for _, s := range out.Streams {
			if s.CodecType == "video" {
				stream = s
				break
			}
		}
		info.Resolution = streamResolution(stream)
		info.Codec = stream.CodecName
	}

	doc := gjson.ParseBytes(data)
	for _, path := range []string{
		"programs.0.tags.service_name",
		"streams.#.tags.service_name|0",
		"format.tags.service_name",
	} {
		if v := strings.TrimSpace(doc.Get(path).String()); v != "" {
			info.ServiceName = v
			break
		}
	}
	info.BitRate = doc.Get("format.bit_rate").Int()
	return info, nil
}

func streamResolution(s probeStream) string {
	if s.Width > 0 && s.Height > 0 {
		return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
	}
	if s.CodedWidth > 0 && s.CodedHeight > 0 {
		return strconv.Itoa(s.CodedWidth) + "x" + strconv.Itoa(s.CodedHeight)
	}
	return ""
}
