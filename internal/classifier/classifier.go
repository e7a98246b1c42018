package classifier

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"forge/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

const (
	// Prompts shorter than this with zero raw signal in any bank default
	// to chat: short prompts are trivial, not ambiguous.
	shortPromptChars = 30

	// Responses longer than this nudge the reasoning score
	longResponseChars = 1500

	// Confidence is never reported below this, even for a landslide winner
	confidenceFloor = 0.3

	toolCallBonus     = 0.5
	fencedCodeBonus   = 0.4
	longResponseBonus = 0.2
	shortPromptScore  = 0.5
)

// categoryPriority is the explicit tie-break order when two categories end
// up with identical post-bonus scores.
var categoryPriority = []models.TaskType{
	models.TaskCoding,
	models.TaskToolUse,
	models.TaskReasoning,
	models.TaskChat,
}

var fencedCodeRE = regexp.MustCompile("```")

// HasFencedCode reports whether the text contains a fenced code block
func HasFencedCode(text string) bool {
	return fencedCodeRE.MatchString(text)
}

// ResponseMeta carries response-level signals the prompt text alone can't
// reveal
type ResponseMeta struct {
	Response     string
	HasToolCalls bool
}

// Result is a classification outcome
type Result struct {
	Type       models.TaskType
	Scores     map[models.TaskType]float64
	Confidence float64
}

// Strategy classifies a prompt into a task domain. Implementations must be
// pure: the same inputs always yield the same result.
type Strategy interface {
	Classify(prompt string, meta ResponseMeta) Result
}

// RuleClassifier scores prompts against per-category regex banks
type RuleClassifier struct {
	banks map[models.TaskType][]*regexp.Regexp
}

// New builds a classifier from the embedded default rule banks
func New() (*RuleClassifier, error) {
	return NewFromYAML(defaultRules)
}

// NewFromYAML builds a classifier from YAML rule banks (category name to
// list of regex patterns). Banks are data, not code, so they can be tuned
// and tested independently of the scoring algorithm.
func NewFromYAML(data []byte) (*RuleClassifier, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse rule banks: %w", err)
	}

	banks := make(map[models.TaskType][]*regexp.Regexp, len(categoryPriority))
	for _, cat := range categoryPriority {
		patterns, ok := raw[string(cat)]
		if !ok || len(patterns) == 0 {
			return nil, fmt.Errorf("rule bank for category %q is missing or empty", cat)
		}
		rules := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("invalid rule %q in bank %q: %w", p, cat, err)
			}
			rules = append(rules, re)
		}
		banks[cat] = rules
	}

	return &RuleClassifier{banks: banks}, nil
}

// Classify scores the prompt against every bank, applies context bonuses
// from the response metadata, and picks the winner. Confidence is the gap
// between the top two post-bonus scores, floored at 0.3.
func (c *RuleClassifier) Classify(prompt string, meta ResponseMeta) Result {
	scores := make(map[models.TaskType]float64, len(c.banks))
	rawTotal := 0.0

	for cat, rules := range c.banks {
		matched := 0
		for _, re := range rules {
			if re.MatchString(prompt) {
				matched++
			}
		}
		score := float64(matched) / float64(len(rules))
		scores[cat] = score
		rawTotal += score
	}

	// Context bonuses: signals the prompt text alone can't reveal
	if meta.HasToolCalls {
		scores[models.TaskToolUse] += toolCallBonus
	}
	if HasFencedCode(prompt) || (!meta.HasToolCalls && HasFencedCode(meta.Response)) {
		scores[models.TaskCoding] += fencedCodeBonus
	}
	if len(meta.Response) > longResponseChars {
		scores[models.TaskReasoning] += longResponseBonus
	}
	if len(strings.TrimSpace(prompt)) < shortPromptChars && rawTotal == 0 && !meta.HasToolCalls {
		if scores[models.TaskChat] < shortPromptScore {
			scores[models.TaskChat] = shortPromptScore
		}
	}

	// Winner by post-bonus score; ties resolve by fixed priority order
	winner := categoryPriority[0]
	for _, cat := range categoryPriority[1:] {
		if scores[cat] > scores[winner] {
			winner = cat
		}
	}

	second := 0.0
	for _, cat := range categoryPriority {
		if cat != winner && scores[cat] > second {
			second = scores[cat]
		}
	}

	confidence := scores[winner] - second
	if confidence < confidenceFloor {
		confidence = confidenceFloor
	}

	return Result{Type: winner, Scores: scores, Confidence: confidence}
}
