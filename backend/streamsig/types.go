package streamsig

// Verdict 表示规则对响应内容的判定。
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// Input 表示一次探测拿到的响应样本。
type Input struct {
	Scheme      string
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// Match 表示分类结果。
type Match struct {
	RuleID     string
	Format     string
	Verdict    Verdict
	Confidence int
}

func (m Match) Accepted() bool {
	return m.Verdict == VerdictAccept
}
