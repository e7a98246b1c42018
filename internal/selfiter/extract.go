package selfiter

import (
	"regexp"
	"strings"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```([a-zA-Z0-9+_-]*)[ \t]*\n(.*?)```")

var languageAliases = map[string][]string{
	"python":     {"python", "py", "python3"},
	"javascript": {"javascript", "js", "node"},
	"bash":       {"bash", "sh", "shell"},
}

// ExtractCode pulls the candidate solution out of a model completion:
// the first fence tagged with the task language (or a known alias), else
// the first fence of any kind. Returns "" when the reply has no fence.
func ExtractCode(response, language string) string {
	aliases := languageAliases[language]

	var first string
	for _, match := range fencedBlockPattern.FindAllStringSubmatch(response, -1) {
		tag := strings.ToLower(match[1])
		body := strings.TrimRight(match[2], "\n") + "\n"

		if first == "" {
			first = body
		}
		for _, alias := range aliases {
			if tag == alias {
				return body
			}
		}
	}
	return first
}
