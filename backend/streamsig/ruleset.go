package streamsig

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

const (
	tsPacketSize    = 188
	tsSyncByte      = 0x47
	bodyTextLimit   = 4096
	defaultTSPacket = 2
)

// Rule 定义流签名规则。
type Rule struct {
	ID         string          `json:"id"`
	Format     string          `json:"format"`
	Verdict    Verdict         `json:"verdict"`
	Confidence int             `json:"confidence"`
	Protocols  []string        `json:"protocols"`
	Matchers   []MatcherConfig `json:"matchers"`
}

// MatcherConfig 描述具体匹配条件。
type MatcherConfig struct {
	Type       string `json:"type"`
	Key        string `json:"key"`
	Pattern    string `json:"pattern"`
	Contains   string `json:"contains"`
	Equals     string `json:"equals"`
	IgnoreCase bool   `json:"ignoreCase"`
	Hex        string `json:"hex"`
	Offset     int    `json:"offset"`
	Packets    int    `json:"packets"`
}

// RuleSet 保存规则列表及预编译状态。
type RuleSet struct {
	rules []compiledRule
}

type compiledRule struct {
	raw      Rule
	matchers []matcherFunc
}

type matcherFunc func(input Input) bool

func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRuleSet(data)
}

func ParseRuleSet(data []byte) (*RuleSet, error) {
	var list []Rule
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse stream signature rules: %w", err)
	}
	return compileRules(list)
}

func compileRules(list []Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, rule := range list {
		if rule.ID == "" {
			return nil, errors.New("rule missing id")
		}
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", rule.ID, err)
		}
		rs.rules = append(rs.rules, compiled)
	}
	return rs, nil
}

func compileRule(rule Rule) (compiledRule, error) {
	switch rule.Verdict {
	case VerdictAccept, VerdictReject:
	default:
		return compiledRule{}, fmt.Errorf("unknown verdict %q", rule.Verdict)
	}
	if len(rule.Matchers) == 0 {
		return compiledRule{}, errors.New("rule has no matchers")
	}
	cr := compiledRule{raw: rule}
	for _, cfg := range rule.Matchers {
		mf, err := buildMatcher(cfg)
		if err != nil {
			return compiledRule{}, err
		}
		cr.matchers = append(cr.matchers, mf)
	}
	return cr, nil
}

func buildMatcher(cfg MatcherConfig) (matcherFunc, error) {
	switch cfg.Type {
	case "content_type":
		re, err := compilePattern(cfg)
		if err != nil {
			return nil, err
		}
		return func(in Input) bool {
			return re.MatchString(in.ContentType)
		}, nil
	case "header":
		re, err := compilePattern(cfg)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(cfg.Key)
		return func(in Input) bool {
			return re.MatchString(in.Headers[key])
		}, nil
	case "body":
		re, err := compilePattern(cfg)
		if err != nil {
			return nil, err
		}
		return func(in Input) bool {
			return re.MatchString(bodyText(in.Body))
		}, nil
	case "magic":
		magic, err := hex.DecodeString(strings.TrimSpace(cfg.Hex))
		if err != nil || len(magic) == 0 {
			return nil, fmt.Errorf("invalid magic %q", cfg.Hex)
		}
		if cfg.Offset < 0 {
			return nil, fmt.Errorf("negative magic offset %d", cfg.Offset)
		}
		offset := cfg.Offset
		return func(in Input) bool {
			if len(in.Body) < offset+len(magic) {
				return false
			}
			return bytes.Equal(in.Body[offset:offset+len(magic)], magic)
		}, nil
	case "ts_sync":
		packets := cfg.Packets
		if packets < defaultTSPacket {
			packets = defaultTSPacket
		}
		return func(in Input) bool {
			return hasTSSync(in.Body, packets)
		}, nil
	default:
		return nil, fmt.Errorf("unknown matcher type %s", cfg.Type)
	}
}

func compilePattern(cfg MatcherConfig) (*regexp.Regexp, error) {
	if cfg.Pattern != "" {
		if cfg.IgnoreCase {
			return regexp.Compile("(?i)" + cfg.Pattern)
		}
		return regexp.Compile(cfg.Pattern)
	}
	var pattern string
	if cfg.Contains != "" {
		pattern = regexp.QuoteMeta(cfg.Contains)
	} else if cfg.Equals != "" {
		pattern = "^" + regexp.QuoteMeta(cfg.Equals) + "$"
	}
	if pattern == "" {
		return nil, errors.New("empty matcher pattern")
	}
	if cfg.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

func bodyText(body []byte) string {
	if len(body) > bodyTextLimit {
		body = body[:bodyTextLimit]
	}
	return string(body)
}

// hasTSSync looks for a sync byte in the first packet that repeats at the
// 188 byte stride for the requested number of packets.
func hasTSSync(body []byte, packets int) bool {
	need := tsPacketSize * (packets - 1)
	for start := 0; start < tsPacketSize && start+need < len(body); start++ {
		if body[start] != tsSyncByte {
			continue
		}
		ok := true
		for k := 1; k < packets; k++ {
			if body[start+k*tsPacketSize] != tsSyncByte {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Classify returns the first rule that matches. A non-empty body that no rule
// recognises is accepted as "unknown"; an empty body is always rejected.
func (rs *RuleSet) Classify(input Input) Match {
	if len(input.Body) == 0 {
		return Match{RuleID: "empty-body", Format: "empty", Verdict: VerdictReject}
	}
	input.ContentType = strings.ToLower(strings.TrimSpace(input.ContentType))
	if rs != nil {
		for _, rule := range rs.rules {
			if !ruleMatchesProto(rule.raw, input.Scheme) {
				continue
			}
			matched := true
			for _, fn := range rule.matchers {
				if !fn(input) {
					matched = false
					break
				}
			}
			if matched {
				return Match{
					RuleID:     rule.raw.ID,
					Format:     rule.raw.Format,
					Verdict:    rule.raw.Verdict,
					Confidence: rule.raw.Confidence,
				}
			}
		}
	}
	return Match{Format: "unknown", Verdict: VerdictAccept}
}

// Len reports the number of compiled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

func ruleMatchesProto(rule Rule, proto string) bool {
	if len(rule.Protocols) == 0 {
		return true
	}
	proto = strings.ToLower(proto)
	for _, p := range rule.Protocols {
		if strings.ToLower(p) == proto {
			return true
		}
	}
	return false
}
