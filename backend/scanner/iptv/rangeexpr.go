package iptvscan

import (
	"math"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

const (
	DefaultBatchSize     = 10000
	DefaultMaxCandidates = 5_000_000

	maxRangesPerSegment = 64
	octetMax            = 255
	portMin             = 1
	portMax             = 65535
	placeholderBase     = 0xE000
)

// Candidate is one endpoint produced by an expansion or supplied by a channel list.
// Index is the channel-list row for validation mode, -1 otherwise.
type Candidate struct {
	URL   string `json:"url"`
	Index int    `json:"index"`
}

// ExpandOptions bounds an expansion.
type ExpandOptions struct {
	BatchSize     int
	MaxCandidates int
}

func (o ExpandOptions) withDefaults() ExpandOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = DefaultMaxCandidates
	}
	return o
}

type rangePart struct {
	lo, hi int64
	width  int
}

type templatePart struct {
	literal string
	rng     *rangePart
}

type segmentPlan struct {
	raw   string
	parts []templatePart
	rngs  []*rangePart
	ports []int
	count int64
}

// Expansion lazily yields the candidates of a validated expression in batches.
// It is single-use and not safe for concurrent calls to Next.
type Expansion struct {
	expr      string
	batchSize int
	total     int64
	segments  []*segmentPlan

	segIdx  int
	cursor  []int64
	portIdx int
	started bool
	done    bool
}

// Expand validates expr and returns a lazy batch iterator over its candidates.
// The whole expression is checked up front, so an error means nothing is produced.
func Expand(expr string, opts ExpandOptions) (*Expansion, error) {
	opts = opts.withDefaults()
	raws, err := splitSegments(expr)
	if err != nil {
		return nil, err
	}
	exp := &Expansion{expr: expr, batchSize: opts.BatchSize}
	for _, raw := range raws {
		plan, err := planSegment(expr, raw)
		if err != nil {
			return nil, err
		}
		if exp.total > math.MaxInt64-plan.count {
			return nil, &InvalidRangeError{Expr: expr, Segment: raw.template, Reason: "expansion overflows"}
		}
		exp.total += plan.count
		if exp.total > int64(opts.MaxCandidates) {
			return nil, &InvalidRangeError{
				Expr:   expr,
				Reason: "expansion exceeds " + strconv.Itoa(opts.MaxCandidates) + " candidates",
			}
		}
		exp.segments = append(exp.segments, plan)
	}
	return exp, nil
}

// Total is the exact number of candidates the expansion yields.
func (e *Expansion) Total() int {
	return int(e.total)
}

// Next returns the next batch. ok is false once the expansion is exhausted.
func (e *Expansion) Next() ([]Candidate, bool) {
	if e.done {
		return nil, false
	}
	batch := make([]Candidate, 0, minInt(e.batchSize, int(e.total)))
	var sb strings.Builder
	for len(batch) < e.batchSize {
		if !e.started {
			if !e.enterSegment(0) {
				break
			}
			e.started = true
		}
		seg := e.segments[e.segIdx]
		sb.Reset()
		seg.render(&sb, e.cursor)
		if port := seg.ports[e.portIdx]; port > 0 {
			sb.WriteByte(':')
			sb.WriteString(strconv.Itoa(port))
		}
		batch = append(batch, Candidate{URL: sb.String(), Index: -1})
		if !e.step() {
			break
		}
	}
	if len(batch) == 0 {
		e.done = true
		return nil, false
	}
	return batch, true
}

func (e *Expansion) enterSegment(idx int) bool {
	if idx >= len(e.segments) {
		e.done = true
		return false
	}
	e.segIdx = idx
	e.portIdx = 0
	e.cursor = e.cursor[:0]
	for _, r := range e.segments[idx].rngs {
		e.cursor = append(e.cursor, r.lo)
	}
	return true
}

// step advances ports fastest, then the rightmost range.
func (e *Expansion) step() bool {
	seg := e.segments[e.segIdx]
	e.portIdx++
	if e.portIdx < len(seg.ports) {
		return true
	}
	e.portIdx = 0
	ranges := seg.rngs
	for i := len(ranges) - 1; i >= 0; i-- {
		if e.cursor[i] < ranges[i].hi {
			e.cursor[i]++
			return true
		}
		e.cursor[i] = ranges[i].lo
	}
	return e.enterSegment(e.segIdx + 1)
}

func (s *segmentPlan) render(sb *strings.Builder, cursor []int64) {
	ri := 0
	for _, p := range s.parts {
		if p.rng == nil {
			sb.WriteString(p.literal)
			continue
		}
		v := strconv.FormatInt(cursor[ri], 10)
		for pad := p.rng.width - len(v); pad > 0; pad-- {
			sb.WriteByte('0')
		}
		sb.WriteString(v)
		ri++
	}
}

type rawSegment struct {
	template  string
	portExtra []string
}

func splitSegments(expr string) ([]rawSegment, error) {
	lines := strings.FieldsFunc(expr, func(r rune) bool {
		return r == ';' || r == '\n' || r == '\r'
	})
	var out []rawSegment
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lineStart := len(out)
		for _, tok := range strings.Split(line, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				return nil, &InvalidRangeError{Expr: expr, Segment: line, Reason: "empty segment"}
			}
			if len(out) > lineStart && isPortToken(tok) {
				last := &out[len(out)-1]
				last.portExtra = append(last.portExtra, tok)
				continue
			}
			out = append(out, rawSegment{template: tok})
		}
	}
	if len(out) == 0 {
		return nil, &InvalidRangeError{Expr: expr, Reason: "no segments"}
	}
	return out, nil
}

func isPortToken(tok string) bool {
	lo, hi, found := strings.Cut(tok, "-")
	if !isDigits(lo) {
		return false
	}
	return !found || isDigits(hi)
}

func planSegment(expr string, raw rawSegment) (*segmentPlan, error) {
	fail := func(reason string) error {
		return &InvalidRangeError{Expr: expr, Segment: raw.template, Reason: reason}
	}

	body, portSpec := splitPortSuffix(raw.template)
	if len(raw.portExtra) > 0 && portSpec == "" {
		return nil, fail("port list without a port suffix")
	}

	parts, err := tokenizeTemplate(body)
	if err != nil {
		return nil, fail(err.Error())
	}
	if err := checkOctets(parts); err != nil {
		return nil, fail(err.Error())
	}

	plan := &segmentPlan{raw: raw.template, parts: parts, ports: []int{0}}
	for _, p := range parts {
		if p.rng != nil {
			plan.rngs = append(plan.rngs, p.rng)
		}
	}
	if portSpec != "" {
		specs := append([]string{strings.Trim(portSpec, "[]")}, raw.portExtra...)
		ports, err := expandPorts(specs)
		if err != nil {
			return nil, fail(err.Error())
		}
		plan.ports = ports
	}

	count := int64(len(plan.ports))
	for _, r := range plan.rngs {
		n := r.hi - r.lo + 1
		if count > math.MaxInt64/n {
			return nil, fail("expansion overflows")
		}
		count *= n
	}
	plan.count = count
	return plan, nil
}

// splitPortSuffix detaches a trailing ":N" or ":[a-b]" outside brackets.
func splitPortSuffix(tpl string) (string, string) {
	depth := 0
	idx := -1
	for i := 0; i < len(tpl); i++ {
		switch tpl[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ':':
			if depth == 0 {
				idx = i
			}
		}
	}
	if idx < 0 {
		return tpl, ""
	}
	suffix := tpl[idx+1:]
	if isDigits(suffix) {
		return tpl[:idx], suffix
	}
	if strings.HasPrefix(suffix, "[") && strings.HasSuffix(suffix, "]") {
		if lo, hi, ok := strings.Cut(suffix[1:len(suffix)-1], "-"); ok && isDigits(lo) && isDigits(hi) {
			return tpl[:idx], suffix
		}
	}
	return tpl, ""
}

func tokenizeTemplate(body string) ([]templatePart, error) {
	if strings.TrimSpace(body) == "" {
		return nil, pkgerrors.Errorf("empty host template")
	}
	var parts []templatePart
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, templatePart{literal: lit.String()})
			lit.Reset()
		}
	}
	ranges := 0
	// a variable-width range must be cut off from the next range by a non-digit,
	// otherwise "[1-11][1-11]" renders 1,11 and 11,1 alike
	var open *rangePart
	for i := 0; i < len(body); i++ {
		if c := body[i]; c != '[' && (c < '0' || c > '9') {
			open = nil
		}
		switch body[i] {
		case ']':
			return nil, pkgerrors.Errorf("unbalanced ']' at offset %d", i)
		case '[':
			end := strings.IndexByte(body[i+1:], ']')
			if end < 0 {
				return nil, pkgerrors.Errorf("unbalanced '[' at offset %d", i)
			}
			content := body[i+1 : i+1+end]
			if inner := strings.IndexByte(content, '['); inner >= 0 {
				return nil, pkgerrors.Errorf("nested '[' at offset %d", i+1+inner)
			}
			i += end + 1
			if isIPv6Literal(content) {
				lit.WriteString("[" + content + "]")
				open = nil
				continue
			}
			rng, err := parseRange(content)
			if err != nil {
				return nil, err
			}
			if open != nil {
				return nil, pkgerrors.Errorf("range [%s] needs a non-digit separator from the variable-width range before it", content)
			}
			if !rng.fixedWidth() {
				open = rng
			}
			ranges++
			if ranges > maxRangesPerSegment {
				return nil, pkgerrors.Errorf("more than %d ranges in one segment", maxRangesPerSegment)
			}
			flush()
			parts = append(parts, templatePart{rng: rng})
		default:
			lit.WriteByte(body[i])
		}
	}
	flush()
	return parts, nil
}

func parseRange(content string) (*rangePart, error) {
	loText, hiText, ok := strings.Cut(content, "-")
	if !ok || !isDigits(loText) || !isDigits(hiText) {
		return nil, pkgerrors.Errorf("unparsable range [%s]", content)
	}
	lo, err := strconv.ParseInt(loText, 10, 64)
	if err != nil {
		return nil, pkgerrors.Errorf("range bound %q out of bounds", loText)
	}
	hi, err := strconv.ParseInt(hiText, 10, 64)
	if err != nil {
		return nil, pkgerrors.Errorf("range bound %q out of bounds", hiText)
	}
	if lo > hi {
		return nil, pkgerrors.Errorf("range [%s] has lower bound above upper bound", content)
	}
	if hi-lo == math.MaxInt64 {
		return nil, pkgerrors.Errorf("range [%s] is too wide", content)
	}
	return &rangePart{lo: lo, hi: hi, width: len(loText)}, nil
}

func (r *rangePart) fixedWidth() bool {
	return len(strconv.FormatInt(r.hi, 10)) <= r.width
}

func isIPv6Literal(content string) bool {
	if !strings.Contains(content, ":") {
		return false
	}
	for _, r := range content {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		case r == ':', r == '.', r == '%':
		default:
			return false
		}
	}
	return true
}

// checkOctets finds dotted-quad components (in the host or in a udpxy style path)
// and keeps every literal or ranged octet within 0..255.
func checkOctets(parts []templatePart) error {
	var shape strings.Builder
	var ranges []*rangePart
	for _, p := range parts {
		if p.rng == nil {
			shape.WriteString(p.literal)
			continue
		}
		shape.WriteRune(rune(placeholderBase + len(ranges)))
		ranges = append(ranges, p.rng)
	}
	components := strings.FieldsFunc(shape.String(), func(r rune) bool {
		switch r {
		case '/', ':', '@', '?', '&', '=', '#', '[', ']':
			return true
		}
		return false
	})
	for _, comp := range components {
		octets := strings.Split(comp, ".")
		if len(octets) != 4 || !allNumericShape(octets) {
			continue
		}
		for _, octet := range octets {
			maxVal, err := octetMaxValue(octet, ranges)
			if err != nil {
				return err
			}
			if maxVal > octetMax {
				return pkgerrors.Errorf("octet %q exceeds %d", renderShape(octet, ranges), octetMax)
			}
		}
	}
	return nil
}

func allNumericShape(octets []string) bool {
	for _, octet := range octets {
		if octet == "" {
			return false
		}
		for _, r := range octet {
			if (r < '0' || r > '9') && r < placeholderBase {
				return false
			}
		}
	}
	return true
}

// octetMaxValue substitutes each range's upper bound, which yields the largest value.
func octetMaxValue(octet string, ranges []*rangePart) (int64, error) {
	var sb strings.Builder
	for _, r := range octet {
		if r >= placeholderBase {
			rng := ranges[r-placeholderBase]
			v := strconv.FormatInt(rng.hi, 10)
			for pad := rng.width - len(v); pad > 0; pad-- {
				sb.WriteByte('0')
			}
			sb.WriteString(v)
			continue
		}
		sb.WriteRune(r)
	}
	text := sb.String()
	if len(strings.TrimLeft(text, "0")) > 3 {
		return math.MaxInt64, nil
	}
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, pkgerrors.Errorf("octet %q is not numeric", text)
	}
	return v, nil
}

func renderShape(octet string, ranges []*rangePart) string {
	var sb strings.Builder
	for _, r := range octet {
		if r >= placeholderBase {
			rng := ranges[r-placeholderBase]
			sb.WriteString("[" + strconv.FormatInt(rng.lo, 10) + "-" + strconv.FormatInt(rng.hi, 10) + "]")
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func expandPorts(specs []string) ([]int, error) {
	seen := make(map[int]struct{})
	var ports []int
	for _, spec := range specs {
		loText, hiText, isRange := strings.Cut(spec, "-")
		if !isRange {
			hiText = loText
		}
		lo, errLo := strconv.Atoi(loText)
		hi, errHi := strconv.Atoi(hiText)
		if errLo != nil || errHi != nil {
			return nil, pkgerrors.Errorf("invalid port %q", spec)
		}
		if lo > hi {
			return nil, pkgerrors.Errorf("port range %q has lower bound above upper bound", spec)
		}
		if lo < portMin || hi > portMax {
			return nil, pkgerrors.Errorf("port %q outside %d-%d", spec, portMin, portMax)
		}
		for p := lo; p <= hi; p++ {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			ports = append(ports, p)
		}
	}
	return ports, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
