package trigger

import (
	"errors"
	"strings"
)

var ErrInvalidPattern = errors.New("invalid subject pattern")

// Match reports whether subject matches pattern. Both are dot-separated
// tokens. In a pattern, "*" matches exactly one token and a final ">"
// matches one or more trailing tokens.
func Match(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}

	patternTokens := strings.Split(pattern, ".")
	subjectTokens := strings.Split(subject, ".")

	for i, token := range patternTokens {
		if token == ">" {
			return i == len(patternTokens)-1 && len(subjectTokens) > i
		}

		if i >= len(subjectTokens) {
			return false
		}

		if token != "*" && token != subjectTokens[i] {
			return false
		}
	}

	return len(patternTokens) == len(subjectTokens)
}

// ValidatePattern rejects empty tokens and a ">" anywhere but last.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return ErrInvalidPattern
	}

	tokens := strings.Split(pattern, ".")
	for i, token := range tokens {
		switch {
		case token == "":
			return errors.Join(ErrInvalidPattern, errors.New("empty token in "+pattern))
		case strings.ContainsAny(token, " \t"):
			return errors.Join(ErrInvalidPattern, errors.New("whitespace in "+pattern))
		case token == ">" && i != len(tokens)-1:
			return errors.Join(ErrInvalidPattern, errors.New("'>' must be the last token in "+pattern))
		case token != ">" && token != "*" && strings.ContainsAny(token, "*>"):
			return errors.Join(ErrInvalidPattern, errors.New("wildcards must be whole tokens in "+pattern))
		}
	}

	return nil
}

// ValidateSubject accepts a concrete subject: a valid pattern without wildcards.
func ValidateSubject(subject string) error {
	if err := ValidatePattern(subject); err != nil {
		return err
	}

	if strings.ContainsAny(subject, "*>") {
		return errors.Join(ErrInvalidPattern, errors.New("wildcards are not allowed in subject "+subject))
	}

	return nil
}
