// Package discovery extracts correlation data from unstructured worker
// output. The bot mints its own UUID and names its container after it; the
// only way the orchestrator learns either is by scraping log lines.
//
// Extraction is an explicit ordered rule list per category, never inline
// string branching: the first rule that matches wins for the job and the
// result is locked in permanently. Later lines, even with conflicting values,
// are ignored.
package discovery

import (
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// uuidPat matches an RFC 4122 UUID in any case.
const uuidPat = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

type rule struct {
	name    string
	re      *regexp.Regexp
	extract func(m []string) string
}

func group1(m []string) string { return m[1] }

// Identifier rules, highest priority first. The shapes cover the formats the
// launcher and the bot runtime are known to emit: quoted key/value pairs,
// bare key=value, recording paths and labeled free text.
var uuidRules = []rule{
	{
		name:    "quoted_kv",
		re:      regexp.MustCompile(`(?i)"bot_?(?:uuid|id)"\s*:\s*"(` + uuidPat + `)"`),
		extract: group1,
	},
	{
		name:    "bare_kv",
		re:      regexp.MustCompile(`(?i)\bbot_?(?:uuid|id)\s*[=:]\s*['"]?(` + uuidPat + `)`),
		extract: group1,
	},
	{
		name:    "recording_path",
		re:      regexp.MustCompile(`/recordings?/(` + uuidPat + `)(?:[/\s"']|$)`),
		extract: group1,
	},
	{
		// lazy bridge: the words between the label and the value are
		// arbitrary ("assigned:", "is", "->")
		name:    "labeled_text",
		re:      regexp.MustCompile(`(?i)\bbot\s+uuid\b.*?(` + uuidPat + `)`),
		extract: group1,
	},
}

// Workload reference rules. Container names are [A-Za-z0-9_.-]+ per the
// engine's naming rules.
var containerRules = []rule{
	{
		name:    "quoted_kv",
		re:      regexp.MustCompile(`(?i)"container(?:_?name)?"\s*:\s*"([A-Za-z0-9][A-Za-z0-9_.-]+)"`),
		extract: group1,
	},
	{
		name:    "bare_kv",
		re:      regexp.MustCompile(`(?i)\bcontainer(?:_?name)?\s*[=:]\s*['"]?([A-Za-z0-9][A-Za-z0-9_.-]+)`),
		extract: group1,
	},
	{
		name:    "labeled_text",
		re:      regexp.MustCompile(`(?i)\b(?:started|launched|spawned)\s+container\s+([A-Za-z0-9][A-Za-z0-9_.-]+)`),
		extract: group1,
	},
}

// Result is what a scan has locked in so far. Empty fields are undiscovered.
type Result struct {
	BotUUID       string
	ContainerName string
}

// Scan is the per-job discovery state. Safe for concurrent feeding from both
// stream readers.
type Scan struct {
	mu sync.Mutex
	// prefix is the container naming convention: prefix immediately followed
	// by the bot UUID. A discovered reference following it also resolves the
	// identifier.
	prefix string
	res    Result
}

func NewScan(containerPrefix string) *Scan {
	return &Scan{prefix: containerPrefix}
}

// Feed applies the rule lists to one output line. It returns the locked-in
// result and whether this line changed it.
func (s *Scan) Feed(line string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if s.res.BotUUID == "" {
		if id, ok := apply(uuidRules, line); ok {
			s.res.BotUUID = strings.ToLower(id)
			changed = true
		}
	}
	if s.res.ContainerName == "" {
		if name, ok := apply(containerRules, line); ok {
			s.res.ContainerName = name
			changed = true
			if s.res.BotUUID == "" {
				if id, ok := s.uuidFromReference(name); ok {
					s.res.BotUUID = id
				}
			}
		}
	}
	return s.res, changed
}

// Result returns the current locked-in values.
func (s *Scan) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

func apply(rules []rule, line string) (string, bool) {
	for _, r := range rules {
		if m := r.re.FindStringSubmatch(line); m != nil {
			return r.extract(m), true
		}
	}
	return "", false
}

func (s *Scan) uuidFromReference(name string) (string, bool) {
	if s.prefix == "" || !strings.HasPrefix(name, s.prefix) {
		return "", false
	}
	rest := strings.ToLower(strings.TrimPrefix(name, s.prefix))
	if _, err := uuid.Parse(rest); err != nil {
		return "", false
	}
	return rest, true
}
