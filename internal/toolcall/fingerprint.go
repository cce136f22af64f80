package toolcall

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// FingerprintPrefix tags the hash algorithm inside the fingerprint string.
const FingerprintPrefix = "blake3:"

// Canonical renders the fields that define an action set as JSON with sorted
// object keys at every level. Numbers keep their literal form.
func Canonical(env Envelope) ([]byte, error) {
	calls := make([]any, 0, len(env.Calls))
	for i, c := range env.Calls {
		args, err := decodeAny(c.Args)
		if err != nil {
			return nil, fmt.Errorf("calls[%d].args: %w", i, err)
		}
		arts := make([]any, 0, len(c.ExpectedArtifacts))
		for _, a := range c.ExpectedArtifacts {
			arts = append(arts, map[string]any{
				"kind":        a.Kind,
				"path":        a.Path,
				"description": a.Description,
				"required":    a.Required,
			})
		}
		calls = append(calls, map[string]any{
			"id":                c.ID,
			"tool":              c.Tool,
			"args":              args,
			"riskClass":         c.RiskClass,
			"approval":          c.Approval,
			"expectedArtifacts": arts,
		})
	}
	doc := map[string]any{
		"protocol": env.Protocol,
		"version":  env.Version,
		"mode":     env.Mode,
		"calls":    calls,
	}
	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Fingerprint hashes the canonical form of env.
func Fingerprint(env Envelope) (string, error) {
	data, err := Canonical(env)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return FingerprintPrefix + hex.EncodeToString(sum[:]), nil
}

func decodeAny(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
