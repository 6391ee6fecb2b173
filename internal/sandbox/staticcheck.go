package sandbox

import "regexp"

// forbiddenPatterns catches host-access and dynamic-evaluation attempts
// before a program ever reaches the compiler. It is deliberately shallow:
// the real enforcement is the AST guard's call whitelist, but the spec calls for a static pattern check at build time as a
// first gate, and an obviously malicious body should never even get that
// far.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bimport\s*\(`),
	regexp.MustCompile(`\brequire\s*\(`),
	regexp.MustCompile(`\bfetch\s*\(`),
	regexp.MustCompile(`\bsetTimeout\s*\(`),
	regexp.MustCompile(`\bsetInterval\s*\(`),
	regexp.MustCompile(`\bnew\s+Function\s*\(`),
	regexp.MustCompile(`\bprocess\.`),
	regexp.MustCompile(`\b(fs|os|child_process)\.`),
	regexp.MustCompile(`__proto__`),
	regexp.MustCompile(`\bconstructor\b`),
}

func staticCheck(code string) error {
	for _, p := range forbiddenPatterns {
		if p.MatchString(code) {
			return &Error{Code: ErrCodeForbidden, Message: "code matches a forbidden host-access pattern: " + p.String()}
		}
	}
	return nil
}
