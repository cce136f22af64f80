// Package toolcall validates tool-call envelopes, classifies each call against
// the command policy and issues and verifies signed approval tokens bound to an
// exact action set.
package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

const (
	ProtocolName   = "switchboard.tool-call"
	SupportedMajor = 1
	MaxCalls       = 20
	MaxArtifacts   = 25
)

type Mode string

const (
	ModeSequential Mode = "SEQUENTIAL"
	ModeParallel   Mode = "PARALLEL"
)

type RiskClass string

const (
	RiskLow      RiskClass = "LOW"
	RiskMedium   RiskClass = "MEDIUM"
	RiskHigh     RiskClass = "HIGH"
	RiskCritical RiskClass = "CRITICAL"
)

var riskRank = map[RiskClass]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// MaxRisk returns the higher of a and b under LOW<MEDIUM<HIGH<CRITICAL.
func MaxRisk(a, b RiskClass) RiskClass {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// AtLeast reports whether r is at or above floor.
func (r RiskClass) AtLeast(floor RiskClass) bool {
	return riskRank[r] >= riskRank[floor]
}

type ApprovalMode string

const (
	ApprovalNone  ApprovalMode = "NONE"
	ApprovalHuman ApprovalMode = "HUMAN_APPROVAL"
)

type ArtifactKind string

const (
	ArtifactLog          ArtifactKind = "LOG"
	ArtifactFile         ArtifactKind = "FILE"
	ArtifactPatch        ArtifactKind = "PATCH"
	ArtifactIssueComment ArtifactKind = "ISSUE_COMMENT"
	ArtifactPR           ArtifactKind = "PR"
)

type Artifact struct {
	Kind        ArtifactKind `json:"kind"`
	Path        string       `json:"path,omitempty"`
	Description string       `json:"description,omitempty"`
	Required    bool         `json:"required"`
}

type Call struct {
	ID                string          `json:"id"`
	Tool              string          `json:"tool"`
	Args              json.RawMessage `json:"args"`
	RiskClass         RiskClass       `json:"riskClass"`
	Approval          ApprovalMode    `json:"approval"`
	ExpectedArtifacts []Artifact      `json:"expectedArtifacts"`
	// Extra holds fields this version does not interpret.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

type Envelope struct {
	Protocol string                     `json:"protocol"`
	Version  string                     `json:"version"`
	Mode     Mode                       `json:"mode"`
	Calls    []Call                     `json:"calls"`
	Extra    map[string]json.RawMessage `json:"extra,omitempty"`
}

// ValidationError pinpoints the first violation in an envelope.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var (
	callIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)
	toolPattern    = regexp.MustCompile(`^[a-z][a-z0-9_.-]{1,63}$`)
	versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)$`)
)

var (
	envelopeKeys = map[string]bool{"protocol": true, "version": true, "mode": true, "calls": true}
	callKeys     = map[string]bool{"id": true, "tool": true, "args": true, "riskClass": true, "approval": true, "expectedArtifacts": true}
	artifactKeys = map[string]bool{"kind": true, "path": true, "description": true, "required": true}
)

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateEnvelope parses raw and checks it against the protocol schema. The
// first violation fails the whole envelope.
func ValidateEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	obj, err := decodeObject(raw)
	if err != nil {
		return env, invalid("envelope", "must be a JSON object")
	}
	if env.Protocol, err = requiredString(obj, "protocol", "protocol"); err != nil {
		return env, err
	}
	if env.Protocol != ProtocolName {
		return env, invalid("protocol", "must be %q, got %q", ProtocolName, env.Protocol)
	}
	if env.Version, err = requiredString(obj, "version", "version"); err != nil {
		return env, err
	}
	m := versionPattern.FindStringSubmatch(env.Version)
	if m == nil {
		return env, invalid("version", "must be major.minor, got %q", env.Version)
	}
	if major, _ := strconv.Atoi(m[1]); major != SupportedMajor {
		return env, invalid("version", "major version %s is not supported (supported: %d)", m[1], SupportedMajor)
	}
	env.Mode = ModeSequential
	if rawMode, ok := obj["mode"]; ok && !isNull(rawMode) {
		var mode string
		if err := json.Unmarshal(rawMode, &mode); err != nil {
			return env, invalid("mode", "must be a string")
		}
		switch Mode(mode) {
		case ModeSequential, ModeParallel:
			env.Mode = Mode(mode)
		default:
			return env, invalid("mode", "must be SEQUENTIAL or PARALLEL, got %q", mode)
		}
	}
	rawCalls, ok := obj["calls"]
	if !ok || isNull(rawCalls) {
		return env, invalid("calls", "is required")
	}
	var calls []json.RawMessage
	if err := json.Unmarshal(rawCalls, &calls); err != nil {
		return env, invalid("calls", "must be an array")
	}
	if len(calls) == 0 {
		return env, invalid("calls", "must contain at least one call")
	}
	if len(calls) > MaxCalls {
		return env, invalid("calls", "must contain at most %d calls, got %d", MaxCalls, len(calls))
	}
	env.Calls = make([]Call, 0, len(calls))
	for i, rc := range calls {
		c, err := validateCall(i, rc)
		if err != nil {
			return env, err
		}
		env.Calls = append(env.Calls, c)
	}
	env.Extra = extras(obj, envelopeKeys)
	return env, nil
}

func validateCall(i int, raw json.RawMessage) (Call, error) {
	var c Call
	prefix := fmt.Sprintf("calls[%d]", i)
	obj, err := decodeObject(raw)
	if err != nil {
		return c, invalid(prefix, "must be an object")
	}
	if c.ID, err = requiredString(obj, "id", prefix+".id"); err != nil {
		return c, err
	}
	if !callIDPattern.MatchString(c.ID) {
		return c, invalid(prefix+".id", "must match %s", callIDPattern)
	}
	if c.Tool, err = requiredString(obj, "tool", prefix+".tool"); err != nil {
		return c, err
	}
	if !toolPattern.MatchString(c.Tool) {
		return c, invalid(prefix+".tool", "must match %s", toolPattern)
	}
	args, ok := obj["args"]
	if !ok {
		return c, invalid(prefix+".args", "is required")
	}
	if _, err := decodeObject(args); err != nil {
		return c, invalid(prefix+".args", "must be an object")
	}
	c.Args = args
	risk, err := requiredString(obj, "riskClass", prefix+".riskClass")
	if err != nil {
		return c, err
	}
	if _, ok := riskRank[RiskClass(risk)]; !ok {
		return c, invalid(prefix+".riskClass", "must be one of LOW, MEDIUM, HIGH, CRITICAL, got %q", risk)
	}
	c.RiskClass = RiskClass(risk)
	approval, err := requiredString(obj, "approval", prefix+".approval")
	if err != nil {
		return c, err
	}
	switch ApprovalMode(approval) {
	case ApprovalNone, ApprovalHuman:
		c.Approval = ApprovalMode(approval)
	default:
		return c, invalid(prefix+".approval", "must be NONE or HUMAN_APPROVAL, got %q", approval)
	}
	c.ExpectedArtifacts = []Artifact{}
	if rawArts, ok := obj["expectedArtifacts"]; ok && !isNull(rawArts) {
		var arts []json.RawMessage
		if err := json.Unmarshal(rawArts, &arts); err != nil {
			return c, invalid(prefix+".expectedArtifacts", "must be an array")
		}
		if len(arts) > MaxArtifacts {
			return c, invalid(prefix+".expectedArtifacts", "must contain at most %d entries, got %d", MaxArtifacts, len(arts))
		}
		for j, ra := range arts {
			a, err := validateArtifact(fmt.Sprintf("%s.expectedArtifacts[%d]", prefix, j), ra)
			if err != nil {
				return c, err
			}
			c.ExpectedArtifacts = append(c.ExpectedArtifacts, a)
		}
	}
	c.Extra = extras(obj, callKeys)
	return c, nil
}

func validateArtifact(field string, raw json.RawMessage) (Artifact, error) {
	var a Artifact
	obj, err := decodeObject(raw)
	if err != nil {
		return a, invalid(field, "must be an object")
	}
	kind, err := requiredString(obj, "kind", field+".kind")
	if err != nil {
		return a, err
	}
	switch ArtifactKind(kind) {
	case ArtifactLog, ArtifactFile, ArtifactPatch, ArtifactIssueComment, ArtifactPR:
		a.Kind = ArtifactKind(kind)
	default:
		return a, invalid(field+".kind", "must be one of LOG, FILE, PATCH, ISSUE_COMMENT, PR, got %q", kind)
	}
	if a.Path, err = optionalString(obj, "path", field+".path"); err != nil {
		return a, err
	}
	if a.Description, err = optionalString(obj, "description", field+".description"); err != nil {
		return a, err
	}
	rawReq, ok := obj["required"]
	if !ok {
		return a, invalid(field+".required", "is required")
	}
	if err := json.Unmarshal(rawReq, &a.Required); err != nil || isNull(rawReq) {
		return a, invalid(field+".required", "must be a boolean")
	}
	return a, nil
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("not an object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func requiredString(obj map[string]json.RawMessage, key, field string) (string, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return "", invalid(field, "is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid(field, "must be a string")
	}
	return s, nil
}

func optionalString(obj map[string]json.RawMessage, key, field string) (string, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid(field, "must be a string")
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func extras(obj map[string]json.RawMessage, known map[string]bool) map[string]json.RawMessage {
	var out map[string]json.RawMessage
	for k, v := range obj {
		if known[k] {
			continue
		}
		if out == nil {
			out = map[string]json.RawMessage{}
		}
		out[k] = v
	}
	return out
}
