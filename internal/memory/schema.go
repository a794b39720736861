package memory

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Record is one link of an agent's memory chain.
type Record struct {
	CID         string          `json:"cid"`
	Content     json.RawMessage `json:"content"`
	PreviousCID string          `json:"previous_cid,omitempty"`
	AgentName   string          `json:"agent_name"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewRecord builds a record for content fetched under cid. The predecessor
// link is taken from the content itself.
func NewRecord(cid string, content []byte, agentName string) *Record {
	return &Record{
		CID:         NormalizeCID(cid),
		Content:     json.RawMessage(content),
		PreviousCID: PreviousCID(content),
		AgentName:   agentName,
	}
}

// AllAgents reports whether an agent filter selects every agent.
func AllAgents(filter string) bool {
	return filter == "" || strings.EqualFold(filter, "all")
}

// MatchesAgent reports whether a record written by agent passes filter.
// Names compare case-insensitively.
func MatchesAgent(filter, agent string) bool {
	return AllAgents(filter) || strings.EqualFold(filter, agent)
}

// envelope covers the two layouts memories have been written with: a flat
// object carrying previousCid, and a header/data split.
type envelope struct {
	PreviousCID *string `json:"previousCid"`
	AgentName   string  `json:"agentName"`
	Header      *struct {
		PreviousCID *string `json:"previousCid"`
		AgentName   string  `json:"agentName"`
	} `json:"header"`
}

func decodeEnvelope(content []byte) (envelope, bool) {
	var env envelope
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, false
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, false
	}
	return env, true
}

// PreviousCID extracts the predecessor pointer from record content.
// A top-level previousCid wins over header.previousCid. Missing, null and
// empty pointers all yield "" (chain origin).
func PreviousCID(content []byte) string {
	env, ok := decodeEnvelope(content)
	if !ok {
		return ""
	}
	if env.PreviousCID != nil {
		if prev := NormalizeCID(*env.PreviousCID); prev != "" {
			return prev
		}
	}
	if env.Header != nil && env.Header.PreviousCID != nil {
		return NormalizeCID(*env.Header.PreviousCID)
	}
	return ""
}

// AgentNameOf returns the agent name declared by the content, if any.
func AgentNameOf(content []byte) string {
	env, ok := decodeEnvelope(content)
	if !ok {
		return ""
	}
	if env.Header != nil && env.Header.AgentName != "" {
		return strings.TrimSpace(env.Header.AgentName)
	}
	return strings.TrimSpace(env.AgentName)
}
