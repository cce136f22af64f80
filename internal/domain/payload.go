package domain

import (
	"encoding/json"
	"sort"
)

// PayloadSource tags where a task payload came from.
type PayloadSource string

const (
	SourceAPI      PayloadSource = "api"
	SourceEmail    PayloadSource = "email"
	SourceFallback PayloadSource = "manual_fallback"
	SourceCLI      PayloadSource = "cli"
)

// JudgementRecord is the persisted outcome of the admission gate for a task.
type JudgementRecord struct {
	Decision string           `json:"decision"`
	PolicyID string           `json:"policy_id,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Checks   []JudgementCheck `json:"checks"`
	Notes    []string         `json:"notes,omitempty"`
}

type JudgementCheck struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
}

// EmailRef links a task back to the inbound email that created it.
type EmailRef struct {
	EventID     string `json:"event_id"`
	MessageID   string `json:"message_id,omitempty"`
	SenderEmail string `json:"sender_email"`
	Subject     string `json:"subject,omitempty"`
}

// FallbackSnapshot keeps the originating prompt/package of a manual fallback task.
type FallbackSnapshot struct {
	FailureClass FailureClass    `json:"failure_class"`
	Prompt       string          `json:"prompt,omitempty"`
	Package      json.RawMessage `json:"package,omitempty"`
	SourceTaskID string          `json:"source_task_id,omitempty"`
}

// TaskPayload is the structured task document. Known sections are typed;
// anything else is preserved verbatim in Extra so audits keep the full
// document without the orchestrator interpreting it.
type TaskPayload struct {
	Source    PayloadSource              `json:"source,omitempty"`
	Command   string                     `json:"command,omitempty"`
	Judgement *JudgementRecord           `json:"judgement,omitempty"`
	Email     *EmailRef                  `json:"email,omitempty"`
	Fallback  *FallbackSnapshot          `json:"fallback,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

var knownPayloadKeys = map[string]bool{
	"source": true, "command": true, "judgement": true, "email": true, "fallback": true,
}

func (p TaskPayload) MarshalJSON() ([]byte, error) {
	type known TaskPayload
	base, err := json.Marshal(known(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if knownPayloadKeys[k] {
			continue
		}
		merged[k] = p.Extra[k]
	}
	return json.Marshal(merged)
}

func (p *TaskPayload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type known TaskPayload
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	*p = TaskPayload(k)
	p.Extra = nil
	for key, v := range raw {
		if knownPayloadKeys[key] {
			continue
		}
		if p.Extra == nil {
			p.Extra = map[string]json.RawMessage{}
		}
		p.Extra[key] = v
	}
	return nil
}
