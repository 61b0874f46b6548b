package streamsig

import _ "embed"

var (
	//go:embed rules/stream_signatures.json
	embeddedSignatureRules []byte
)

// EmbeddedRuleSet 返回内置的流签名规则集，如解析失败则返回 nil。
func EmbeddedRuleSet() *RuleSet {
	if len(embeddedSignatureRules) == 0 {
		return nil
	}
	rs, err := ParseRuleSet(embeddedSignatureRules)
	if err != nil {
		return nil
	}
	return rs
}
