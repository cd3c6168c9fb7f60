// Package redact masks sensitive content in event payloads before they are stored.
//
// Every mask token is chosen so that no pattern matches it again, which keeps
// redaction idempotent: a second pass over redacted output changes nothing and
// reports zero redactions.
package redact

import (
	"regexp"
	"strings"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

type Profile string

const (
	ProfileStrict   Profile = "strict"
	ProfileStandard Profile = "standard"
	ProfileRelaxed  Profile = "relaxed"
)

func (p Profile) String() string { return string(p) }

// ParseProfile normalizes input; empty => standard.
// Returns (value, true) if valid; otherwise (standard, false).
func ParseProfile(s string) (Profile, bool) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case "", ProfileStandard:
		return ProfileStandard, true
	case ProfileStrict:
		return ProfileStrict, true
	case ProfileRelaxed:
		return ProfileRelaxed, true
	default:
		return ProfileStandard, false
	}
}

// Class is a set of content classes a profile masks.
type Class uint8

const (
	ClassCredential Class = 1 << iota // bearer tokens, JWTs, vendor API keys, private keys, sensitive map keys
	ClassEmail
	ClassCard     // Luhn-valid 13-19 digit runs
	ClassSecret   // password=..., secret: ... style assignments
	ClassFreeText // whole free-text fields
)

func (c Class) Has(o Class) bool { return c&o != 0 }

var profileClasses = map[Profile]Class{
	ProfileRelaxed:  ClassCredential,
	ProfileStandard: ClassCredential | ClassEmail | ClassCard | ClassSecret,
	ProfileStrict:   ClassCredential | ClassEmail | ClassCard | ClassSecret | ClassFreeText,
}

// Classes returns what p masks. Unknown profiles get the standard set.
func Classes(p Profile) Class {
	if c, ok := profileClasses[p]; ok {
		return c
	}
	return profileClasses[ProfileStandard]
}

const (
	MaskRedacted = "[REDACTED]"
	MaskToken    = "[REDACTED_TOKEN]"
	MaskKey      = "[REDACTED_KEY]"
	MaskEmail    = "[REDACTED_EMAIL]"
	MaskCard     = "[REDACTED_CARD]"
)

var (
	privateKeyRe = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)
	jwtRe        = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
	bearerRe     = regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9\-._~+/]{8,}=*`)
	apiKeyRe     = regexp.MustCompile(`\b(?:(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{10,}|gh[pousr]_[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16}|xox[abpr]-[A-Za-z0-9-]{10,}|AIza[0-9A-Za-z_\-]{35})\b`)
	secretRe     = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token|client[_-]?secret|private[_-]?key)(\s*[:=]\s*)(["']?)([^\s"'\[,;&][^\s"',;&]*)`)
	emailRe      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	cardRe       = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)
)

var sensitiveKeys = map[string]struct{}{
	"password": {}, "passwd": {}, "pwd": {}, "secret": {}, "token": {},
	"accesstoken": {}, "refreshtoken": {}, "idtoken": {}, "apikey": {},
	"authorization": {}, "cookie": {}, "setcookie": {}, "clientsecret": {},
	"privatekey": {}, "sessionid": {}, "ssn": {}, "creditcard": {}, "cardnumber": {},
}

func sensitiveKey(k string) bool {
	k = strings.ToLower(k)
	k = strings.NewReplacer("-", "", "_", "", " ", "").Replace(k)
	_, ok := sensitiveKeys[k]
	return ok
}

// Redactor applies redaction profiles. It holds no state and is safe for concurrent use.
type Redactor struct{}

func New() *Redactor { return &Redactor{} }

// Redact returns a sanitized copy of p and the number of redactions applied.
// Unknown payload variants and absent fields pass through unchanged.
func (r *Redactor) Redact(p model.Payload, profile Profile) (model.Payload, int) {
	s := &scrubber{classes: Classes(profile)}
	switch v := p.(type) {
	case model.FeedbackPayload:
		v.Message = s.freeText(v.Message)
		v.ContactEmail = s.text(v.ContactEmail)
		v.Extra = s.object(v.Extra)
		return v, s.count
	case model.FrontendErrorPayload:
		v.Message = s.text(v.Message)
		v.Stack = s.text(v.Stack)
		v.ComponentStack = s.text(v.ComponentStack)
		v.UserAgent = s.text(v.UserAgent)
		v.Extra = s.object(v.Extra)
		return v, s.count
	case model.BackendErrorPayload:
		v.Message = s.text(v.Message)
		v.Stack = s.text(v.Stack)
		v.Endpoint = s.text(v.Endpoint)
		v.Extra = s.object(v.Extra)
		return v, s.count
	default:
		return p, 0
	}
}

// RedactObject sanitizes an arbitrary decoded JSON object. The input map is not modified.
func (r *Redactor) RedactObject(data map[string]any, profile Profile) (map[string]any, int) {
	s := &scrubber{classes: Classes(profile)}
	return s.object(data), s.count
}

// RedactString applies the pattern classes of profile to a single string.
func (r *Redactor) RedactString(in string, profile Profile) (string, int) {
	s := &scrubber{classes: Classes(profile)}
	return s.text(in), s.count
}

type scrubber struct {
	classes Class
	count   int
}

func (s *scrubber) replace(re *regexp.Regexp, in, repl string) string {
	n := len(re.FindAllStringIndex(in, -1))
	if n == 0 {
		return in
	}
	s.count += n
	return re.ReplaceAllString(in, repl)
}

func (s *scrubber) text(in string) string {
	if in == "" {
		return in
	}
	out := in
	if s.classes.Has(ClassCredential) {
		out = s.replace(privateKeyRe, out, MaskKey)
		out = s.replace(jwtRe, out, MaskToken)
		out = s.replace(bearerRe, out, "${1} "+MaskToken)
		out = s.replace(apiKeyRe, out, MaskKey)
	}
	if s.classes.Has(ClassSecret) {
		out = s.replace(secretRe, out, "${1}${2}${3}"+MaskRedacted)
	}
	if s.classes.Has(ClassEmail) {
		out = s.replace(emailRe, out, MaskEmail)
	}
	if s.classes.Has(ClassCard) {
		out = cardRe.ReplaceAllStringFunc(out, func(m string) string {
			if !luhn(m) {
				return m
			}
			s.count++
			return MaskCard
		})
	}
	return out
}

// freeText masks the whole value under ClassFreeText, patterns otherwise.
func (s *scrubber) freeText(in string) string {
	if !s.classes.Has(ClassFreeText) {
		return s.text(in)
	}
	if in == "" || in == MaskRedacted {
		return in
	}
	s.count++
	return MaskRedacted
}

func (s *scrubber) object(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s.classes.Has(ClassCredential) && sensitiveKey(k) {
			if str, ok := v.(string); ok && str == MaskRedacted {
				out[k] = v
				continue
			}
			if v == nil {
				out[k] = nil
				continue
			}
			s.count++
			out[k] = MaskRedacted
			continue
		}
		out[k] = s.value(v)
	}
	return out
}

func (s *scrubber) value(v any) any {
	switch t := v.(type) {
	case string:
		return s.freeText(t)
	case map[string]any:
		return s.object(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = s.value(e)
		}
		return out
	default:
		return v
	}
}

func luhn(run string) bool {
	sum, n := 0, 0
	double := false
	for i := len(run) - 1; i >= 0; i-- {
		c := run[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && sum%10 == 0
}
