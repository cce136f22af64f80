package ingress

import (
	"regexp"
	"strings"
)

// Target sources, in precedence order.
const (
	TargetExplicit = "explicit"
	TargetMention  = "mention"
	TargetIntake   = "intake"
)

type Target struct {
	AgentKey string
	Title    string
	Source   string
}

var mentionPattern = regexp.MustCompile(`^@([A-Za-z0-9][A-Za-z0-9_.-]{0,63})\s+(\S.*)$`)

// resolveTarget picks the agent and title for an email: explicit agent and
// command fields, then an "@agent command" mention, then the intake agent.
// An empty AgentKey means the intake agent.
func resolveTarget(in Email) Target {
	agent := strings.TrimSpace(in.AgentKey)
	command := strings.TrimSpace(in.Command)
	if agent != "" && command != "" {
		return Target{AgentKey: agent, Title: command, Source: TargetExplicit}
	}
	if handle, cmd, ok := findMention(in.Subject, in.Text); ok {
		return Target{AgentKey: handle, Title: cmd, Source: TargetMention}
	}
	return Target{Source: TargetIntake}
}

// findMention looks at the subject when it starts with "@", otherwise at the
// first body line that does.
func findMention(subject, body string) (string, string, bool) {
	if s := strings.TrimSpace(subject); strings.HasPrefix(s, "@") {
		return parseMention(s)
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "@") {
			return parseMention(line)
		}
	}
	return "", "", false
}

func parseMention(line string) (string, string, bool) {
	m := mentionPattern.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}
