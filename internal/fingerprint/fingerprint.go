package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

const (
	// MaxFrames is how many normalized stack frames take part in the fingerprint.
	MaxFrames = 5

	maxMessageRunes = 512
	sep             = "\x00"
	frameSep        = "\x1f"
	schemaVersion   = "v1"
)

// Input is the normalized semantic content an error fingerprint is derived from.
// Custom, when set, is a client-supplied grouping key that replaces the other fields.
type Input struct {
	ErrorType string
	Message   string
	Frames    []string
	Custom    string
}

// ExtractInput returns nil for events that are not meant to be grouped (feedback,
// or an unknown payload), which sends them down the always-create path.
func ExtractInput(ev *model.Event) *Input {
	if ev == nil {
		return nil
	}
	switch p := ev.Payload.(type) {
	case model.FrontendErrorPayload:
		stack := p.Stack
		if strings.TrimSpace(stack) == "" {
			stack = p.ComponentStack
		}
		return build(ev.Fingerprint, p.ErrorType, p.Message, stack)
	case model.BackendErrorPayload:
		return build(ev.Fingerprint, p.ErrorType, p.Message, p.Stack)
	case model.FeedbackPayload:
		return nil
	default:
		return nil
	}
}

func build(custom, errorType, message, stack string) *Input {
	if c := strings.TrimSpace(custom); c != "" {
		return &Input{Custom: c}
	}
	return &Input{
		ErrorType: NormalizeErrorType(errorType),
		Message:   NormalizeMessage(message),
		Frames:    NormalizeStack(stack, MaxFrames),
	}
}

// Generate hashes the input fields joined by explicit separators. Equal inputs
// always produce equal fingerprints, across processes and implementations.
func Generate(in Input) string {
	h := sha256.New()
	if in.Custom != "" {
		h.Write([]byte("custom" + sep + in.Custom))
	} else {
		h.Write([]byte(schemaVersion + sep + in.ErrorType + sep + in.Message + sep + strings.Join(in.Frames, frameSep)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func NormalizeErrorType(s string) string {
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	if s == "" {
		return "Error"
	}
	return s
}

var (
	uuidRe    = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	quotedRe  = regexp.MustCompile("(^|[^\\w])(?:\"[^\"]*\"|'[^']*'|`[^`]*`)")
	hexAddrRe = regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`)
	longHexRe = regexp.MustCompile(`(?i)\b[0-9a-f]{12,}\b`)
	numberRe  = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// NormalizeMessage replaces dynamic tokens (UUIDs, quoted literals, memory-like
// hex, numbers) with placeholders so that messages differing only in a variable
// value compare equal.
func NormalizeMessage(msg string) string {
	s := uuidRe.ReplaceAllString(msg, "<uuid>")
	s = quotedRe.ReplaceAllString(s, "${1}<str>")
	s = hexAddrRe.ReplaceAllString(s, "<hex>")
	s = longHexRe.ReplaceAllString(s, "<hex>")
	s = numberRe.ReplaceAllString(s, "<num>")
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	if r := []rune(s); len(r) > maxMessageRunes {
		s = string(r[:maxMessageRunes])
	}
	return s
}

var (
	javaFrameRe  = regexp.MustCompile(`^\s*at\s+([\w$.<>/]+)\(([^:()]*)(?::\d+)?\)\s*$`)
	v8FrameRe    = regexp.MustCompile(`^\s*at\s+(?:(.+?)\s+\()?(.+?)(?::\d+)?(?::\d+)?\)?\s*$`)
	geckoFrameRe = regexp.MustCompile(`^\s*([^@\s]*)@(.+?)(?::\d+)?(?::\d+)?\s*$`)
	pyFrameRe    = regexp.MustCompile(`^\s*File "(.+?)", line \d+, in (.+?)\s*$`)
	goFuncRe     = regexp.MustCompile(`^(\S.*)\([^()]*\)$`)
	goFileRe     = regexp.MustCompile(`^\s+(\S+\.go):\d+`)
	bundleHashRe = regexp.MustCompile(`[.-][0-9a-f]{6,}((?:\.chunk)?\.(?:m?js|cjs|jsx|ts|tsx|css))$`)
)

// NormalizeStack extracts up to n frames as "file:function", dropping line and
// column numbers, origins, query strings and bundle content hashes.
func NormalizeStack(stack string, n int) []string {
	if strings.TrimSpace(stack) == "" || n <= 0 {
		return nil
	}
	frames := make([]string, 0, n)
	pendingGoFunc := ""
	for _, line := range strings.Split(stack, "\n") {
		if len(frames) >= n {
			break
		}
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if m := goFileRe.FindStringSubmatch(line); m != nil {
			if pendingGoFunc != "" {
				frames = append(frames, frame(m[1], pendingGoFunc))
				pendingGoFunc = ""
			}
			continue
		}
		if m := javaFrameRe.FindStringSubmatch(line); m != nil {
			frames = append(frames, frame(m[2], m[1]))
			continue
		}
		if m := v8FrameRe.FindStringSubmatch(line); m != nil {
			frames = append(frames, frame(m[2], m[1]))
			continue
		}
		if m := pyFrameRe.FindStringSubmatch(line); m != nil {
			frames = append(frames, frame(m[1], m[2]))
			continue
		}
		if m := geckoFrameRe.FindStringSubmatch(line); m != nil {
			frames = append(frames, frame(m[2], m[1]))
			continue
		}
		if strings.HasPrefix(line, "goroutine ") {
			continue
		}
		if m := goFuncRe.FindStringSubmatch(line); m != nil {
			pendingGoFunc = m[1]
		}
	}
	return frames
}

func frame(file, fn string) string {
	return normalizeFile(file) + ":" + normalizeFunc(fn)
}

func normalizeFile(f string) string {
	f = strings.TrimSpace(f)
	f = strings.ReplaceAll(f, `\`, "/")
	f = strings.TrimPrefix(f, "webpack-internal:///")
	if i := strings.Index(f, "://"); i >= 0 {
		rest := f[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			f = rest[j:]
		} else {
			f = ""
		}
	}
	if i := strings.IndexAny(f, "?#"); i >= 0 {
		f = f[:i]
	}
	f = bundleHashRe.ReplaceAllString(f, "${1}")
	if f == "" {
		return "<unknown>"
	}
	return f
}

func normalizeFunc(fn string) string {
	fn = strings.TrimSpace(fn)
	fn = strings.TrimPrefix(fn, "async ")
	fn = strings.TrimPrefix(fn, "new ")
	if fn == "" {
		return "<anonymous>"
	}
	return fn
}
