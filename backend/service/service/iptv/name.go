package iptv

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	DefaultGroup  = "未分类"
	StatusValid   = "有效"
	StatusInvalid = "无效"
)

var (
	channelIDPattern = regexp.MustCompile(`/channel(\d+)/`)
	pltvPattern      = regexp.MustCompile(`/pltv/\d+/\d+/(\d+)/`)
	smilPattern      = regexp.MustCompile(`/(\d+)\.(?:smil|smail)$`)
)

// ChannelNameFromURL 在流没有 service_name 时从地址推出一个频道名。
// udpxy 风格的 /rtp/、/udp/ 地址保留组播地址本身。
func ChannelNameFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	for _, proto := range []string{"rtp", "udp", "rtsp"} {
		prefix := "/" + proto + "/"
		if i := strings.Index(lower, prefix); i >= 0 {
			if addr := trimQuery(raw[i+len(prefix):]); addr != "" {
				return addr
			}
		}
	}
	if m := channelIDPattern.FindStringSubmatch(lower); m != nil {
		return "CHANNEL" + m[1]
	}
	if strings.Contains(lower, "/index.m3u8") {
		if m := pltvPattern.FindStringSubmatch(lower); m != nil {
			return "PLTV_" + m[1]
		}
	}
	if m := smilPattern.FindStringSubmatch(trimQuery(lower)); m != nil {
		return m[1]
	}

	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return trimQuery(raw)
	}
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	for i := len(segments) - 1; i >= 0; i-- {
		name := strings.TrimSuffix(segments[i], path.Ext(segments[i]))
		switch strings.ToLower(name) {
		case "", "index", "playlist", "live":
			continue
		}
		return name
	}
	return u.Host
}

func trimQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
