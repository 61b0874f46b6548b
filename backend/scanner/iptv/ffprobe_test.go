package iptvscan

import (
	"strings"
	"testing"
	"time"
)

func TestParseProbeOutput(t *testing.T) {
	raw := []byte(`{
		"programs": [{"tags": {"service_name": "CCTV-1"}}],
		"streams": [
			{"codec_type": "audio", "codec_name": "mp2"},
			{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080}
		],
		"format": {"duration": "N/A", "bit_rate": "8000000"}
	}`)
	info, err := parseProbeOutput(raw)
	if err != nil {
		t.Fatalf("parseProbeOutput failed: %v", err)
	}
	if info.Resolution != "1920x1080" || info.Codec != "h264" {
		t.Fatalf("unexpected video info %+v", info)
	}
	if info.ServiceName != "CCTV-1" || info.BitRate != 8000000 {
		t.Fatalf("unexpected metadata %+v", info)
	}
}

func TestParseProbeOutputCodedSize(t *testing.T) {
	raw := []byte(`{"streams": [{"codec_type": "video", "codec_name": "hevc", "coded_width": 720, "coded_height": 576}], "format": {}}`)
	info, err := parseProbeOutput(raw)
	if err != nil {
		t.Fatalf("parseProbeOutput failed: %v", err)
	}
	if info.Resolution != "720x576" {
		t.Fatalf("expected coded size fallback, got %q", info.Resolution)
	}
}

func TestParseProbeOutputStreamServiceName(t *testing.T) {
	raw := []byte(`{
		"streams": [
			{"codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720},
			{"codec_type": "audio", "codec_name": "aac", "tags": {"service_name": "Channel 5"}}
		],
		"format": {"bit_rate": "2500000"}
	}`)
	info, err := parseProbeOutput(raw)
	if err != nil {
		t.Fatalf("parseProbeOutput failed: %v", err)
	}
	if info.ServiceName != "Channel 5" || info.BitRate != 2500000 {
		t.Fatalf("expected stream tag service name and bit rate, got %+v", info)
	}
}

func TestParseProbeOutputErrors(t *testing.T) {
	if _, err := parseProbeOutput(nil); err == nil {
		t.Fatalf("expected error for empty output")
	}
	if _, err := parseProbeOutput([]byte("not json")); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestFFprobeArgs(t *testing.T) {
	f := &FFprobe{Path: "ffprobe", Flags: []string{"-rw_timeout", "1000"}}
	args := f.args("http://10.0.0.1/live.ts", 2*time.Second, map[string]string{"User-Agent": "ua", "Referer": "http://ref"})
	joined := strings.Join(args, " ")
	for _, want := range []string{"-timeout 2000000", "-user_agent ua", "-rw_timeout 1000", "stream_tags=service_name"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in args %v", want, args)
		}
	}
	if args[len(args)-1] != "http://10.0.0.1/live.ts" {
		t.Fatalf("expected target last, got %v", args)
	}

	udp := strings.Join(f.args("udp://239.1.1.1:5000", time.Second, map[string]string{"User-Agent": "ua"}), " ")
	if strings.Contains(udp, "-user_agent") {
		t.Fatalf("expected no http headers for udp target, got %s", udp)
	}
}
