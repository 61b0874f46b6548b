package iptv

import (
	"sync"
	"time"

	iptvscan "iptvscan/backend/scanner/iptv"

	"github.com/pkg/errors"
)

// ChannelRecord is one row of the channel list.
type ChannelRecord struct {
	URL        string             `json:"url"`
	Name       string             `json:"name"`
	Group      string             `json:"group"`
	Valid      bool               `json:"valid"`
	Status     string             `json:"status"`
	LatencyMs  int64              `json:"latencyMs,omitempty"`
	Resolution string             `json:"resolution,omitempty"`
	Codec      string             `json:"codec,omitempty"`
	Format     string             `json:"format,omitempty"`
	BitRate    int64              `json:"bitRate,omitempty"`
	ErrorKind  iptvscan.ErrorKind `json:"errorKind,omitempty"`
	CheckedAt  time.Time          `json:"checkedAt"`
}

// ChannelUpdate carries the probe result applied to an existing row.
type ChannelUpdate struct {
	Valid       bool
	LatencyMs   *int64
	Resolution  *string
	ErrorKind   iptvscan.ErrorKind
	Codec       string
	Format      string
	ServiceName string
	BitRate     int64
}

// ChannelModel is the channel list the manager reads from and writes to.
// Implementations must be safe for concurrent use.
type ChannelModel interface {
	Len() int
	URL(i int) (string, bool)
	URLs() []string
	UpdateChannel(i int, u ChannelUpdate) error
	AddChannel(rec ChannelRecord) int
	ValidURLs() []string
	Channels() []ChannelRecord
	Clear()
}

func UpdateFromOutcome(o iptvscan.ProbeOutcome) ChannelUpdate {
	return ChannelUpdate{
		Valid:       o.Valid,
		LatencyMs:   o.LatencyMs,
		Resolution:  o.Resolution,
		ErrorKind:   o.ErrorKind,
		Codec:       o.Codec,
		Format:      o.Format,
		ServiceName: o.ServiceName,
		BitRate:     o.BitRate,
	}
}

func recordFromOutcome(o iptvscan.ProbeOutcome) ChannelRecord {
	rec := ChannelRecord{URL: o.Candidate}
	rec.apply(UpdateFromOutcome(o))
	return rec
}

// fillDefaults names a row from its URL and puts it in the default group.
func (c *ChannelRecord) fillDefaults() {
	if c.Name == "" {
		c.Name = ChannelNameFromURL(c.URL)
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Status == "" {
		c.Status = statusText(c.Valid)
	}
}

// hasDerivedName reports whether Name was guessed from the URL rather than
// supplied by a list or by the stream itself.
func (c *ChannelRecord) hasDerivedName() bool {
	return c.Name == "" || c.Name == ChannelNameFromURL(c.URL)
}

func (c *ChannelRecord) apply(u ChannelUpdate) {
	c.Valid = u.Valid
	c.Status = statusText(u.Valid)
	c.ErrorKind = u.ErrorKind
	c.CheckedAt = time.Now()
	c.LatencyMs = 0
	if u.LatencyMs != nil {
		c.LatencyMs = *u.LatencyMs
	}
	if u.Resolution != nil {
		c.Resolution = *u.Resolution
	}
	if u.Codec != "" {
		c.Codec = u.Codec
	}
	if u.Format != "" {
		c.Format = u.Format
	}
	if u.BitRate > 0 {
		c.BitRate = u.BitRate
	}
	if u.ServiceName != "" && c.hasDerivedName() {
		c.Name = u.ServiceName
	}
	c.fillDefaults()
}

func statusText(valid bool) string {
	if valid {
		return StatusValid
	}
	return StatusInvalid
}

// MemoryModel keeps the channel list in memory.
type MemoryModel struct {
	mu    sync.RWMutex
	rows  []ChannelRecord
	index map[string]int
}

func NewMemoryModel() *MemoryModel {
	return &MemoryModel{index: make(map[string]int)}
}

func (m *MemoryModel) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *MemoryModel) URL(i int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.rows) {
		return "", false
	}
	return m.rows[i].URL, true
}

func (m *MemoryModel) URLs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.rows))
	for i, r := range m.rows {
		out[i] = r.URL
	}
	return out
}

func (m *MemoryModel) UpdateChannel(i int, u ChannelUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.rows) {
		return errors.Errorf("channel index %d out of range", i)
	}
	m.rows[i].apply(u)
	return nil
}

// AddChannel appends rec, or refreshes the existing row with the same URL.
// A refreshed row keeps its name and group unless rec brings real ones.
func (m *MemoryModel) AddChannel(rec ChannelRecord) int {
	rec.fillDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.index[rec.URL]; ok {
		old := m.rows[i]
		if rec.hasDerivedName() {
			rec.Name = old.Name
		}
		if rec.Group == DefaultGroup {
			rec.Group = old.Group
		}
		m.rows[i] = rec
		return i
	}
	m.rows = append(m.rows, rec)
	m.index[rec.URL] = len(m.rows) - 1
	return len(m.rows) - 1
}

func (m *MemoryModel) ValidURLs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, r := range m.rows {
		if r.Valid {
			out = append(out, r.URL)
		}
	}
	return out
}

func (m *MemoryModel) Channels() []ChannelRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ChannelRecord(nil), m.rows...)
}

func (m *MemoryModel) Clear() {
	m.mu.Lock()
	m.rows = nil
	m.index = make(map[string]int)
	m.mu.Unlock()
}
