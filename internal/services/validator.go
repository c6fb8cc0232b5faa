package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
)

// CodeValidator statically checks compiled scene code before it is allowed to
// replace the stored version. It never executes anything: every check is a
// scan over the source text.
type CodeValidator interface {
	Validate(code string, req ValidationRequest) error
}

// ValidationRequest is what a single check needs to know beyond the code
// itself. ExistingIdents carries the top-level names of every OTHER scene in
// the project so cross-scene collisions surface before persistence.
type ValidationRequest struct {
	// SceneSuffix is the identifier suffix unique to this scene; every
	// top-level declaration must carry it.
	SceneSuffix string
	// RequiredURLs must each appear verbatim, character for character.
	RequiredURLs []string
	ExistingIdents map[string]bool
}

type codeValidator struct {
	log *logger.Logger
}

func NewCodeValidator(log *logger.Logger) CodeValidator {
	return &codeValidator{log: log.With("service", "CodeValidator")}
}

var forbiddenIdents = []string{
	"document", "window", "eval", "fetch", "XMLHttpRequest",
	"localStorage", "sessionStorage", "require",
}

var placeholderURLMarkers = []string{
	"example.com", "placeholder", "your-url-here", "via.placeholder",
	"TODO_URL", "<url>",
}

var dynamicImportPat = regexp.MustCompile(`\bimport\s*\(`)

func (v *codeValidator) Validate(code string, req ValidationRequest) error {
	var findings []string

	if strings.TrimSpace(code) == "" {
		return NewValidationError("code is empty")
	}

	if msg := checkBalanced(code); msg != "" {
		findings = append(findings, msg)
	}

	stripped := stripStringsAndComments(code)

	for _, ident := range forbiddenIdents {
		if identPattern(ident).MatchString(stripped) {
			findings = append(findings, fmt.Sprintf("forbidden identifier %q", ident))
		}
	}
	if dynamicImportPat.MatchString(stripped) {
		findings = append(findings, "dynamic import() is not allowed")
	}

	idents := TopLevelIdentifiers(code)
	if len(idents) == 0 {
		findings = append(findings, "no top-level declarations found")
	}

	hasExport := false
	for _, line := range strings.Split(stripped, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "export ") {
			hasExport = true
			break
		}
	}
	if !hasExport {
		findings = append(findings, "no exported entry point")
	}

	if req.SceneSuffix != "" {
		for _, id := range idents {
			if !strings.HasSuffix(id, req.SceneSuffix) {
				findings = append(findings, fmt.Sprintf("top-level identifier %q missing scene suffix %q", id, req.SceneSuffix))
			}
		}
	}
	for _, id := range idents {
		if req.ExistingIdents[id] {
			findings = append(findings, fmt.Sprintf("top-level identifier %q collides with another scene", id))
		}
	}

	for _, url := range req.RequiredURLs {
		if url == "" {
			continue
		}
		if !strings.Contains(code, url) {
			findings = append(findings, fmt.Sprintf("required asset URL missing verbatim: %s", url))
		}
	}
	for _, marker := range placeholderURLMarkers {
		if strings.Contains(strings.ToLower(code), strings.ToLower(marker)) {
			findings = append(findings, fmt.Sprintf("placeholder URL content %q", marker))
		}
	}

	if len(findings) > 0 {
		return &ValidationError{Findings: findings}
	}
	return nil
}

func identPattern(ident string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[^\w.$])` + regexp.QuoteMeta(ident) + `\b`)
}

// checkBalanced scans for unbalanced (), [], {} outside strings and comments.
func checkBalanced(code string) string {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}

	src := stripStringsAndComments(code)
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return fmt.Sprintf("unbalanced %q", string(c))
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Sprintf("unclosed %q", string(stack[len(stack)-1]))
	}
	return ""
}

// stripStringsAndComments blanks out string/template literals and comments so
// structural scans do not trip on brackets inside text. Blanked regions keep
// their length and newlines, so downstream line positions stay stable.
func stripStringsAndComments(code string) string {
	out := []byte(code)
	n := len(out)
	i := 0
	blank := func(from, to int) {
		for j := from; j < to && j < n; j++ {
			if out[j] != '\n' {
				out[j] = ' '
			}
		}
	}

	for i < n {
		c := out[i]
		switch {
		case c == '/' && i+1 < n && out[i+1] == '/':
			start := i
			for i < n && out[i] != '\n' {
				i++
			}
			blank(start, i)
		case c == '/' && i+1 < n && out[i+1] == '*':
			start := i
			i += 2
			for i+1 < n && !(out[i] == '*' && out[i+1] == '/') {
				i++
			}
			i += 2
			blank(start, i)
		case c == '"' || c == '\'' || c == '`':
			quote := c
			start := i
			i++
			for i < n {
				if out[i] == '\\' {
					i += 2
					continue
				}
				if out[i] == quote {
					i++
					break
				}
				i++
			}
			// keep the quotes so emptiness checks still see a literal
			blank(start+1, i-1)
		default:
			i++
		}
	}
	return string(out)
}

var topLevelDeclPat = regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:const|let|var|function|class)\s+([A-Za-z_$][\w$]*)`)

// TopLevelIdentifiers extracts the names declared at brace depth zero. This
// is what the collision and suffix checks operate on.
func TopLevelIdentifiers(code string) []string {
	src := stripStringsAndComments(code)
	var out []string
	depth := 0

	for _, line := range strings.Split(src, "\n") {
		if depth == 0 {
			if m := topLevelDeclPat.FindStringSubmatch(line); len(m) == 2 {
				out = append(out, m[1])
			}
		}
		for i := 0; i < len(line); i++ {
			switch line[i] {
			case '{', '(', '[':
				depth++
			case '}', ')', ']':
				if depth > 0 {
					depth--
				}
			}
		}
	}
	return out
}
