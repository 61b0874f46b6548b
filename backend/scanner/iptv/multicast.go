package iptvscan

import (
	"context"
	"net"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

const rtpHeaderLen = 12

// readMulticast joins the candidate's group (when it is one) and waits for a
// single datagram. For rtp the fixed header is validated and stripped.
func (p *StreamProber) readMulticast(ctx context.Context, u *url.URL) ([]byte, error) {
	port := u.Port()
	if port == "" {
		return nil, newProtocolError("udp candidate without port")
	}
	host := u.Hostname()
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := p.opts.Resolver.Lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		ip = net.ParseIP(resolved)
	}
	group := ip.To4()
	if group == nil {
		return nil, newProtocolError("only IPv4 udp sources are supported")
	}

	lc := net.ListenConfig{Control: reusePortControl}
	conn, err := lc.ListenPacket(ctx, "udp4", multicastBindAddr(group, port))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "bind udp")
	}
	defer conn.Close()

	if group.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		groupAddr := &net.UDPAddr{IP: group}
		if err := pc.JoinGroup(p.iface, groupAddr); err != nil {
			return nil, pkgerrors.Wrap(err, "join multicast group")
		}
		defer pc.LeaveGroup(p.iface, groupAddr)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	buf := make([]byte, udpReadBuffer)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if n == 0 {
		return nil, newProtocolError("empty datagram")
	}
	payload := buf[:n]
	if u.Scheme == "rtp" {
		return rtpPayload(payload)
	}
	return payload, nil
}

func rtpPayload(pkt []byte) ([]byte, error) {
	if len(pkt) < rtpHeaderLen || pkt[0]>>6 != 2 {
		return nil, newProtocolError("not an rtp packet")
	}
	offset := rtpHeaderLen + int(pkt[0]&0x0f)*4
	if pkt[0]&0x10 != 0 {
		if len(pkt) < offset+4 {
			return nil, newProtocolError("truncated rtp extension")
		}
		extLen := (int(pkt[offset+2])<<8 | int(pkt[offset+3])) * 4
		offset += 4 + extLen
	}
	if offset >= len(pkt) {
		return nil, newProtocolError("rtp packet without payload")
	}
	return pkt[offset:], nil
}
