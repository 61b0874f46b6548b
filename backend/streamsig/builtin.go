package streamsig

// DefaultRuleSet 返回内置规则，解析失败时退回到最小的 TS/HLS 规则。
func DefaultRuleSet() *RuleSet {
	if rs := EmbeddedRuleSet(); rs != nil {
		return rs
	}
	fallback := []Rule{
		{
			ID:         "hls-playlist",
			Format:     "hls",
			Verdict:    VerdictAccept,
			Confidence: 90,
			Matchers: []MatcherConfig{
				{Type: "body", Contains: "#EXTM3U"},
			},
		},
		{
			ID:         "mpegts-sync",
			Format:     "mpegts",
			Verdict:    VerdictAccept,
			Confidence: 90,
			Matchers: []MatcherConfig{
				{Type: "ts_sync", Packets: 3},
			},
		},
		{
			ID:         "html-portal",
			Format:     "html",
			Verdict:    VerdictReject,
			Confidence: 70,
			Matchers: []MatcherConfig{
				{Type: "content_type", Contains: "text/html", IgnoreCase: true},
			},
		},
	}
	compiled, err := compileRules(fallback)
	if err != nil {
		return &RuleSet{}
	}
	return compiled
}
