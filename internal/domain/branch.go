package domain

import (
	"strings"
	"unicode"
)

const maxBranchWords = 6

// BranchName derives a branch name from the issue summary and key, e.g.
// "Fix timeout" and "ENG-42" give "fix-timeout-ENG-42".
func BranchName(issue IssueSnapshot) string {
	words := strings.FieldsFunc(strings.ToLower(issue.Summary), func(r rune) bool {
		return !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
	})
	if len(words) > maxBranchWords {
		words = words[:maxBranchWords]
	}
	key := strings.Trim(strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '-'
	}, issue.Key), "-")
	if key != "" {
		words = append(words, key)
	}
	return strings.Join(words, "-")
}
