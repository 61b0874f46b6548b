package iptvscan

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func tsBody(packets int) []byte {
	var buf bytes.Buffer
	for i := 0; i < packets; i++ {
		pkt := bytes.Repeat([]byte{0xff}, 188)
		pkt[0] = 0x47
		buf.Write(pkt)
	}
	return buf.Bytes()
}

func newTestProber() *StreamProber {
	return NewStreamProber(ProberOptions{})
}

func TestProbeValidTransportStream(t *testing.T) {
	var gotRange, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(tsBody(8))
	}))
	defer srv.Close()

	out := newTestProber().Probe(context.Background(), Candidate{URL: srv.URL + "/live.ts", Index: 3}, 2*time.Second)
	if !out.Valid {
		t.Fatalf("expected valid outcome, got %+v", out)
	}
	if out.Format != "mpegts" || out.Index != 3 || out.LatencyMs == nil {
		t.Fatalf("unexpected outcome fields %+v", out)
	}
	if gotRange != "bytes=0-65535" || gotUA != DefaultUserAgent {
		t.Fatalf("unexpected request headers range=%q ua=%q", gotRange, gotUA)
	}
}

func TestProbeBareCandidateDefaultsToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:-1,ch\nhttp://x/1.ts\n"))
	}))
	defer srv.Close()

	bare := strings.TrimPrefix(srv.URL, "http://") + "/index.m3u8"
	out := newTestProber().Probe(context.Background(), Candidate{URL: bare, Index: -1}, 2*time.Second)
	if !out.Valid || out.Format != "hls" {
		t.Fatalf("expected hls outcome, got %+v", out)
	}
	if out.Candidate != bare {
		t.Fatalf("expected candidate to stay as given, got %q", out.Candidate)
	}
}

func TestProbeHTMLRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>login</body></html>"))
	}))
	defer srv.Close()

	out := newTestProber().Probe(context.Background(), Candidate{URL: srv.URL}, 2*time.Second)
	if out.Valid || out.ErrorKind != KindProtocol {
		t.Fatalf("expected protocol_error for html, got %+v", out)
	}
}

func TestProbeNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	out := newTestProber().Probe(context.Background(), Candidate{URL: srv.URL + "/missing"}, 2*time.Second)
	if out.Valid || out.ErrorKind != KindProtocol {
		t.Fatalf("expected protocol_error for 404, got %+v", out)
	}
	if out.LatencyMs != nil || out.Resolution != nil {
		t.Fatalf("expected no latency or resolution on failure, got %+v", out)
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	out := newTestProber().Probe(context.Background(), Candidate{URL: "http://" + addr + "/live"}, time.Second)
	if out.ErrorKind != KindConnectionRefused {
		t.Fatalf("expected connection_refused, got %+v", out)
	}
}

func TestProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()

	begin := time.Now()
	out := newTestProber().Probe(context.Background(), Candidate{URL: srv.URL}, 150*time.Millisecond)
	if out.ErrorKind != KindTimeout {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("expected probe to respect its timeout, took %v", elapsed)
	}
}

func TestProbeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := newTestProber().Probe(ctx, Candidate{URL: "http://127.0.0.1:1/"}, time.Second)
	if out.ErrorKind != KindCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
}

func TestProbeUnsupportedScheme(t *testing.T) {
	out := newTestProber().Probe(context.Background(), Candidate{URL: "gopher://10.0.0.1/"}, time.Second)
	if out.ErrorKind != KindProtocol {
		t.Fatalf("expected protocol_error, got %+v", out)
	}
}

func TestProbeRTSPOptions(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadString('\n')
		_, _ = conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 1\r\n\r\n"))
	}()

	out := newTestProber().Probe(context.Background(), Candidate{URL: "rtsp://" + ln.Addr().String() + "/ch1"}, 2*time.Second)
	if !out.Valid {
		t.Fatalf("expected valid rtsp outcome, got %+v", out)
	}
}

func TestRTPPayload(t *testing.T) {
	pkt := append([]byte{0x80, 0x21, 0x00, 0x01, 0, 0, 0, 1, 0, 0, 0, 2}, tsBody(1)...)
	payload, err := rtpPayload(pkt)
	if err != nil {
		t.Fatalf("rtpPayload failed: %v", err)
	}
	if payload[0] != 0x47 {
		t.Fatalf("expected ts sync at payload start, got %#x", payload[0])
	}

	ext := []byte{0x90, 0x21, 0x00, 0x01, 0, 0, 0, 1, 0, 0, 0, 2, 0xbe, 0xde, 0x00, 0x01, 1, 2, 3, 4}
	payload, err = rtpPayload(append(ext, 0x47))
	if err != nil || len(payload) != 1 || payload[0] != 0x47 {
		t.Fatalf("expected extension to be skipped, got %v %v", payload, err)
	}

	if _, err := rtpPayload([]byte{0x47, 0, 0}); err == nil {
		t.Fatalf("expected error for non-rtp packet")
	}
}

func TestClassifyError(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	cases := []struct {
		name   string
		parent context.Context
		err    error
		want   ErrorKind
	}{
		{"parent cancelled", cancelled, errors.New("anything"), KindCancelled},
		{"deadline", context.Background(), context.DeadlineExceeded, KindTimeout},
		{"refused", context.Background(), &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindConnectionRefused},
		{"dns", context.Background(), &net.DNSError{Err: "no such host", Name: "x"}, KindDNSOrRoute},
		{"dns timeout", context.Background(), &net.DNSError{Err: "timeout", Name: "x", IsTimeout: true}, KindTimeout},
		{"unreachable", context.Background(), syscall.EHOSTUNREACH, KindDNSOrRoute},
		{"protocol", context.Background(), newProtocolError("bad"), KindProtocol},
		{"resolve", context.Background(), &resolveError{host: "x", err: errors.New("nxdomain")}, KindDNSOrRoute},
	}
	for _, tc := range cases {
		if got := classifyError(tc.parent, tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestNormalizeCandidateURL(t *testing.T) {
	u, err := normalizeCandidateURL("239.1.1.1:5000", "http")
	if err != nil || u.Scheme != "udp" {
		t.Fatalf("expected multicast host to default to udp, got %v %v", u, err)
	}
	u, err = normalizeCandidateURL("10.0.0.1:8080/live", "http")
	if err != nil || u.Scheme != "http" || u.Host != "10.0.0.1:8080" {
		t.Fatalf("expected http default, got %v %v", u, err)
	}
	if _, err := normalizeCandidateURL("   ", "http"); err == nil {
		t.Fatalf("expected error for empty candidate")
	}
}
