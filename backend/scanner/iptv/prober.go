package iptvscan

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"iptvscan/backend/streamsig"

	"github.com/sirupsen/logrus"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	DefaultReadBytes     = 64 << 10
	DefaultScheme        = "http"
	defaultRTSPPort      = "554"
	maxQuickCheckTimeout = time.Second
	udpReadBuffer        = 65536
)

// Prober checks a single candidate. Implementations must not panic and must
// return within timeout plus a small grace period.
type Prober interface {
	Probe(ctx context.Context, c Candidate, timeout time.Duration) ProbeOutcome
}

// ProberOptions configures a StreamProber.
type ProberOptions struct {
	UserAgent          string
	Referer            string
	ReadBytes          int
	QuickCheck         bool
	DefaultScheme      string
	MulticastInterface string
	DetectResolution   bool

	FFprobe    *FFprobe
	Resolver   *Resolver
	HTTPClient *http.Client
	Rules      *streamsig.RuleSet
	Logger     logrus.FieldLogger
}

// StreamProber probes HTTP(S), UDP/RTP multicast and RTSP endpoints.
type StreamProber struct {
	opts   ProberOptions
	client *http.Client
	dialer *net.Dialer
	iface  *net.Interface
}

func NewStreamProber(opts ProberOptions) *StreamProber {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.ReadBytes <= 0 {
		opts.ReadBytes = DefaultReadBytes
	}
	if opts.DefaultScheme == "" {
		opts.DefaultScheme = DefaultScheme
	}
	if opts.Resolver == nil {
		opts.Resolver = NewResolver(nil)
	}
	if opts.Rules == nil {
		opts.Rules = streamsig.DefaultRuleSet()
	}
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logger
	}
	p := &StreamProber{opts: opts, dialer: &net.Dialer{}}
	if name := strings.TrimSpace(opts.MulticastInterface); name != "" {
		if iface, err := net.InterfaceByName(name); err == nil {
			p.iface = iface
		} else {
			opts.Logger.WithError(err).WithField("interface", name).Warn("multicast interface not found, using default")
		}
	}
	p.client = opts.HTTPClient
	if p.client == nil {
		resolver := opts.Resolver
		dialer := p.dialer
		p.client = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return resolver.DialContext(ctx, dialer, network, addr)
				},
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
				DisableKeepAlives: true,
				ForceAttemptHTTP2: false,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
	}
	return p
}

// Probe implements Prober.
func (p *StreamProber) Probe(ctx context.Context, c Candidate, timeout time.Duration) (outcome ProbeOutcome) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.WithField("candidate", c.URL).Errorf("probe panic: %v\n%s", r, string(debug.Stack()))
			outcome = failedOutcome(c, KindProtocol, fmt.Sprintf("panic: %v", r))
		}
	}()

	if ctx.Err() != nil {
		return failedOutcome(c, KindCancelled, "session stopped")
	}
	u, err := normalizeCandidateURL(c.URL, p.opts.DefaultScheme)
	if err != nil {
		return failedOutcome(c, KindProtocol, err.Error())
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var body []byte
	var sample streamsig.Input
	switch u.Scheme {
	case "http", "https":
		if p.opts.QuickCheck && p.opts.HTTPClient == nil {
			if err := p.quickCheck(probeCtx, u, timeout); err != nil {
				return p.fail(ctx, c, err)
			}
		}
		sample, err = p.fetchHTTP(probeCtx, u)
		body = sample.Body
	case "udp", "rtp":
		body, err = p.readMulticast(probeCtx, u)
		sample = streamsig.Input{Scheme: u.Scheme, Body: body}
	case "rtsp":
		err = p.rtspOptions(probeCtx, u)
		sample = streamsig.Input{Scheme: u.Scheme, Body: []byte("RTSP")}
	default:
		return failedOutcome(c, KindProtocol, "unsupported scheme "+u.Scheme)
	}
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return p.fail(ctx, c, err)
	}

	verdict := p.opts.Rules.Classify(sample)
	if !verdict.Accepted() {
		return failedOutcome(c, KindProtocol, "content rejected by rule "+verdict.RuleID)
	}

	outcome = validOutcome(c, latency)
	outcome.Format = verdict.Format
	if p.opts.DetectResolution && p.opts.FFprobe != nil {
		p.enrich(probeCtx, u, &outcome)
	}
	if ctx.Err() != nil {
		return failedOutcome(c, KindCancelled, "session stopped")
	}
	return outcome
}

func (p *StreamProber) fail(parent context.Context, c Candidate, err error) ProbeOutcome {
	kind := classifyError(parent, err)
	p.opts.Logger.WithField("candidate", c.URL).WithField("kind", kind).Debug(err)
	return failedOutcome(c, kind, err.Error())
}

// enrich fills resolution and codec from ffprobe; failures are ignored.
func (p *StreamProber) enrich(ctx context.Context, u *url.URL, outcome *ProbeOutcome) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	info, err := p.opts.FFprobe.Inspect(ctx, u.String(), remaining, p.headers())
	if err != nil {
		p.opts.Logger.WithField("candidate", outcome.Candidate).WithError(err).Debug("resolution probe failed")
		return
	}
	if info.Resolution != "" {
		res := info.Resolution
		outcome.Resolution = &res
	}
	outcome.Codec = info.Codec
	outcome.ServiceName = info.ServiceName
	outcome.BitRate = info.BitRate
}

func (p *StreamProber) headers() map[string]string {
	h := map[string]string{"User-Agent": p.opts.UserAgent}
	if p.opts.Referer != "" {
		h["Referer"] = p.opts.Referer
	}
	return h
}

func (p *StreamProber) quickCheck(ctx context.Context, u *url.URL, timeout time.Duration) error {
	checkTimeout := timeout / 3
	if checkTimeout > maxQuickCheckTimeout {
		checkTimeout = maxQuickCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	conn, err := p.opts.Resolver.DialContext(ctx, p.dialer, "tcp", hostPort(u))
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *StreamProber) fetchHTTP(ctx context.Context, u *url.URL) (streamsig.Input, error) {
	sample := streamsig.Input{Scheme: u.Scheme}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return sample, newProtocolError(err.Error())
	}
	for k, v := range p.headers() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", p.opts.ReadBytes-1))
	req.Header.Set("Accept", "*/*")

	resp, err := p.client.Do(req)
	if err != nil {
		return sample, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return sample, newProtocolError(fmt.Sprintf("http status %d", resp.StatusCode))
	}
	sample.ContentType = resp.Header.Get("Content-Type")
	sample.Headers = make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		sample.Headers[strings.ToLower(k)] = strings.Join(v, ",")
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(p.opts.ReadBytes)))
	if len(body) == 0 {
		if err != nil {
			return sample, err
		}
		return sample, newProtocolError("empty response body")
	}
	sample.Body = body
	return sample, nil
}

func (p *StreamProber) rtspOptions(ctx context.Context, u *url.URL) error {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), defaultRTSPPort)
	}
	conn, err := p.opts.Resolver.DialContext(ctx, p.dialer, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	req := fmt.Sprintf("OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: %s\r\n\r\n", u.String(), p.opts.UserAgent)
	if _, err := io.WriteString(conn, req); err != nil {
		return err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if !strings.HasPrefix(line, "RTSP/1.0 200") {
		return newProtocolError("rtsp: " + strings.TrimSpace(line))
	}
	return nil
}

// normalizeCandidateURL accepts bare host:port/path candidates: multicast
// hosts default to udp, everything else to defaultScheme.
func normalizeCandidateURL(raw, defaultScheme string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, newProtocolError("empty candidate")
	}
	if !strings.Contains(raw, "://") {
		host := raw
		if i := strings.IndexByte(host, '/'); i >= 0 {
			host = host[:i]
		}
		host = strings.TrimPrefix(host, "@")
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		scheme := defaultScheme
		if isMulticastHost(host) {
			scheme = "udp"
		}
		raw = scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, newProtocolError(err.Error())
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Hostname() == "" {
		return nil, newProtocolError("candidate has no host")
	}
	return u, nil
}

func isMulticastHost(host string) bool {
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil && addr.IsMulticast()
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
