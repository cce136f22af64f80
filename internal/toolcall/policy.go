package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type CommandClass string

const (
	ClassChatResponse       CommandClass = "CHAT_RESPONSE"
	ClassFilesystemRead     CommandClass = "FILESYSTEM_READ"
	ClassFilesystemMutation CommandClass = "FILESYSTEM_MUTATION"
	ClassGitRead            CommandClass = "GIT_READ"
	ClassGitMutation        CommandClass = "GIT_MUTATION"
	ClassShellExecution     CommandClass = "SHELL_EXECUTION"
	ClassUnknownTool        CommandClass = "UNKNOWN_TOOL"
)

type classRule struct {
	class    CommandClass
	patterns []string
	floor    RiskClass
	// enabled classes may execute; the rest are defined but held back.
	enabled bool
}

// classRules are matched in order; the first pattern hit wins.
var classRules = []classRule{
	{ClassChatResponse, []string{"chat.respond"}, RiskLow, true},
	{ClassFilesystemRead, []string{"{fs,file,filesystem}.{read,list,stat,glob,search}*"}, RiskLow, false},
	{ClassFilesystemMutation, []string{"{fs,file,filesystem}.{write,append,delete,remove,move,rename,copy,mkdir,patch,apply_patch,chmod}*"}, RiskMedium, false},
	{ClassGitRead, []string{"git.{status,diff,log,show,blame,fetch}*"}, RiskLow, false},
	{ClassGitMutation, []string{"git.{commit,push,pull,checkout,switch,merge,rebase,reset,revert,tag,branch,stash,cherry_pick,cherry-pick,apply}*", "github.{pr,issue}.*"}, RiskHigh, false},
	{ClassShellExecution, []string{"shell.*", "exec.*", "bash.*"}, RiskCritical, false},
}

// destructivePatterns deny shell commands regardless of declared risk or approval.
var destructivePatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"recursive root delete", regexp.MustCompile(`\brm\s+(?:-\S+\s+)*(?:-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)\s+(?:-\S+\s+)*(?:/|/\*|~/?|\$HOME/?)(?:\s|;|&|\||$)`)},
	{"filesystem format", regexp.MustCompile(`\bmkfs(?:\.\w+)?\b|\bmke2fs\b|\bwipefs\b`)},
	{"raw disk write", regexp.MustCompile(`\bdd\b[^;&|]*\bof=/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)|>\s*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`)},
	{"shutdown/reboot", regexp.MustCompile(`\b(?:shutdown|reboot|halt|poweroff)\b|\binit\s+[06]\b|\bsystemctl\s+(?:poweroff|reboot|halt)\b`)},
	{"fork bomb", regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
}

type CallDecision struct {
	Index            int          `json:"index"`
	CallID           string       `json:"callId"`
	Tool             string       `json:"tool"`
	Class            CommandClass `json:"class"`
	DeclaredRisk     RiskClass    `json:"declaredRisk"`
	EffectiveRisk    RiskClass    `json:"effectiveRisk"`
	Allowed          bool         `json:"allowed"`
	RequiresApproval bool         `json:"requiresApproval"`
	Reason           string       `json:"reason"`
	BlockedPattern   string       `json:"blockedPattern,omitempty"`
}

type PolicyResult struct {
	Allowed          bool           `json:"allowed"`
	RequiresApproval bool           `json:"requiresApproval"`
	MaxRisk          RiskClass      `json:"maxRisk"`
	Reason           string         `json:"reason"`
	Calls            []CallDecision `json:"calls"`
}

// Classify maps a tool name to its command class and risk floor.
func Classify(tool string) (CommandClass, RiskClass, bool) {
	for _, r := range classRules {
		for _, p := range r.patterns {
			if ok, _ := doublestar.Match(p, tool); ok {
				return r.class, r.floor, r.enabled
			}
		}
	}
	return ClassUnknownTool, RiskCritical, false
}

// EvaluateCommandPolicy decides each call of a validated envelope. The
// envelope is allowed only when every call is; the first denial's reason is
// surfaced.
func EvaluateCommandPolicy(env Envelope) PolicyResult {
	res := PolicyResult{Allowed: true, MaxRisk: RiskLow, Calls: make([]CallDecision, 0, len(env.Calls))}
	for i, c := range env.Calls {
		d := evaluateCall(i, c)
		res.Calls = append(res.Calls, d)
		res.MaxRisk = MaxRisk(res.MaxRisk, d.EffectiveRisk)
		if d.RequiresApproval {
			res.RequiresApproval = true
		}
		if !d.Allowed && res.Allowed {
			res.Allowed = false
			res.Reason = fmt.Sprintf("calls[%d] (%s): %s", i, c.Tool, d.Reason)
		}
	}
	if res.Allowed {
		res.Reason = "all calls permitted"
	}
	return res
}

func evaluateCall(i int, c Call) CallDecision {
	class, floor, enabled := Classify(c.Tool)
	d := CallDecision{
		Index:         i,
		CallID:        c.ID,
		Tool:          c.Tool,
		Class:         class,
		DeclaredRisk:  c.RiskClass,
		EffectiveRisk: MaxRisk(c.RiskClass, floor),
	}
	d.RequiresApproval = d.EffectiveRisk.AtLeast(RiskHigh) || c.Approval == ApprovalHuman
	if class == ClassShellExecution {
		if name, ok := matchDestructive(c.Args); ok {
			d.BlockedPattern = name
			d.Reason = fmt.Sprintf("command matches blocked destructive pattern: %s", name)
			return d
		}
	}
	switch {
	case class == ClassUnknownTool:
		d.Reason = fmt.Sprintf("tool %q is not recognized; unknown tools are denied", c.Tool)
	case !enabled:
		d.Reason = fmt.Sprintf("%s calls are not enabled for execution", class)
	default:
		d.Allowed = true
		d.Reason = fmt.Sprintf("%s permitted at %s risk", class, d.EffectiveRisk)
	}
	return d
}

// matchDestructive inspects args.command (string) or args.argv (string array).
func matchDestructive(args json.RawMessage) (string, bool) {
	var parsed struct {
		Command any      `json:"command"`
		Argv    []string `json:"argv"`
		Script  string   `json:"script"`
	}
	_ = json.Unmarshal(args, &parsed)
	var candidates []string
	switch v := parsed.Command.(type) {
	case string:
		candidates = append(candidates, v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		candidates = append(candidates, strings.Join(parts, " "))
	}
	if len(parsed.Argv) > 0 {
		candidates = append(candidates, strings.Join(parsed.Argv, " "))
	}
	if parsed.Script != "" {
		candidates = append(candidates, parsed.Script)
	}
	for _, cmd := range candidates {
		for _, p := range destructivePatterns {
			if p.re.MatchString(cmd) {
				return p.name, true
			}
		}
	}
	return "", false
}
