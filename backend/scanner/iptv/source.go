package iptvscan

import (
	"net/netip"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"go4.org/netipx"
)

// Source feeds candidates to a session in batches. Total returns -1 when
// the count is only known once every batch has been produced.
type Source interface {
	Total() int
	Next() ([]Candidate, bool)
}

type expressionSource struct {
	exp     *Expansion
	exclude *netipx.IPSet
}

// NewExpressionSource expands expr lazily. Candidates whose host is inside
// exclude are skipped.
func NewExpressionSource(expr string, opts ExpandOptions, exclude *netipx.IPSet) (Source, error) {
	exp, err := Expand(expr, opts)
	if err != nil {
		return nil, err
	}
	return &expressionSource{exp: exp, exclude: exclude}, nil
}

func (s *expressionSource) Total() int {
	if s.exclude != nil {
		return -1
	}
	return s.exp.Total()
}

func (s *expressionSource) Next() ([]Candidate, bool) {
	for {
		batch, ok := s.exp.Next()
		if !ok {
			return nil, false
		}
		if s.exclude == nil {
			return batch, true
		}
		kept := batch[:0]
		for _, c := range batch {
			if !s.excluded(c.URL) {
				kept = append(kept, c)
			}
		}
		if len(kept) > 0 {
			return kept, true
		}
	}
}

func (s *expressionSource) excluded(raw string) bool {
	u, err := normalizeCandidateURL(raw, DefaultScheme)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return false
	}
	return s.exclude.Contains(addr.Unmap())
}

type urlListSource struct {
	urls      []string
	pos       int
	batchSize int
}

// NewURLListSource feeds an ordered list; each candidate keeps its row index.
func NewURLListSource(urls []string, batchSize int) Source {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &urlListSource{urls: urls, batchSize: batchSize}
}

func (s *urlListSource) Total() int { return len(s.urls) }

func (s *urlListSource) Next() ([]Candidate, bool) {
	if s.pos >= len(s.urls) {
		return nil, false
	}
	end := s.pos + s.batchSize
	if end > len(s.urls) {
		end = len(s.urls)
	}
	batch := make([]Candidate, 0, end-s.pos)
	for i := s.pos; i < end; i++ {
		batch = append(batch, Candidate{URL: s.urls[i], Index: i})
	}
	s.pos = end
	return batch, true
}

// BuildExcludeSet accepts single addresses, CIDR prefixes and "a-b" ranges.
func BuildExcludeSet(items []string) (*netipx.IPSet, error) {
	var builder netipx.IPSetBuilder
	count := 0
	for _, raw := range items {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		switch {
		case strings.Contains(raw, "/"):
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "invalid exclude %s", raw)
			}
			builder.AddPrefix(prefix.Masked())
		case strings.Contains(raw, "-"):
			rng, err := netipx.ParseIPRange(raw)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "invalid exclude %s", raw)
			}
			builder.AddRange(rng)
		default:
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "invalid exclude %s", raw)
			}
			builder.Add(addr.Unmap())
		}
		count++
	}
	if count == 0 {
		return nil, nil
	}
	return builder.IPSet()
}
