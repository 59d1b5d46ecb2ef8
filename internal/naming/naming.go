// Package naming is the reversible contract between backup names and the
// (target, creation time, sequence) they encode.
//
// Retention decodes names through a Scheme instead of matching LIKE patterns,
// so a target whose name happens to contain the backup marker is never
// mistaken for one of its backups.
package naming

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/envsync/internal/model"
)

const (
	// DefaultTemplate is the backup name template used when none is configured.
	DefaultTemplate = "{target}_BACKUP_{ts}"

	// TimestampLayout renders creation time at second precision, always in UTC.
	TimestampLayout = "2006_01_02_15_04_05"

	// MaxSeq bounds the same-second collision suffix.
	MaxSeq = 999

	targetPlaceholder = "{target}"
	tsPlaceholder     = "{ts}"
)

// Scheme encodes and decodes backup names for one template.
//
// Thread-safety: Scheme is immutable and safe for concurrent use.
type Scheme struct {
	template string
	pattern  *regexp.Regexp
	// fixedSeq is set when {ts} is followed by "_", which a seq suffix also
	// starts with. Every name then carries one, zero included.
	fixedSeq bool
}

// NewScheme compiles a template containing exactly one {target} and one {ts}.
func NewScheme(template string) (*Scheme, error) {
	if strings.Count(template, targetPlaceholder) != 1 {
		return nil, fmt.Errorf("backup name template %q: must contain %s exactly once", template, targetPlaceholder)
	}
	if strings.Count(template, tsPlaceholder) != 1 {
		return nil, fmt.Errorf("backup name template %q: must contain %s exactly once", template, tsPlaceholder)
	}

	after := template[strings.Index(template, tsPlaceholder)+len(tsPlaceholder):]
	if strings.HasPrefix(after, targetPlaceholder) || (after != "" && after[0] >= '0' && after[0] <= '9') {
		return nil, fmt.Errorf("backup name template %q: %s must be followed by a separator", template, tsPlaceholder)
	}
	fixedSeq := strings.HasPrefix(after, "_")
	seqExpr := `(?:_(?P<seq>\d{3,}))?`
	if fixedSeq {
		seqExpr = `_(?P<seq>\d{3,})`
	}

	var expr strings.Builder
	expr.WriteString("^")
	rest := template
	for rest != "" {
		ti := strings.Index(rest, targetPlaceholder)
		si := strings.Index(rest, tsPlaceholder)
		switch {
		case ti == 0:
			expr.WriteString(`(?P<target>.+?)`)
			rest = rest[len(targetPlaceholder):]
		case si == 0:
			expr.WriteString(`(?P<ts>\d{4}_\d{2}_\d{2}_\d{2}_\d{2}_\d{2})` + seqExpr)
			rest = rest[len(tsPlaceholder):]
		default:
			next := len(rest)
			if ti > 0 && ti < next {
				next = ti
			}
			if si > 0 && si < next {
				next = si
			}
			expr.WriteString(regexp.QuoteMeta(rest[:next]))
			rest = rest[next:]
		}
	}
	expr.WriteString("$")

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, fmt.Errorf("compile backup name template %q: %w", template, err)
	}
	return &Scheme{template: template, pattern: re, fixedSeq: fixedSeq}, nil
}

// MustScheme is NewScheme for templates known to be valid.
func MustScheme(template string) *Scheme {
	s, err := NewScheme(template)
	if err != nil {
		panic(err)
	}
	return s
}

// Template returns the template the scheme was compiled from.
func (s *Scheme) Template() string {
	return s.template
}

// Encode renders the backup name for target created at t.
// A positive seq appends a zero-padded suffix for same-second collisions.
// Templates that continue with "_" after {ts} always carry the suffix, so the
// timestamp never absorbs part of the target.
func (s *Scheme) Encode(target string, t time.Time, seq int) string {
	ts := t.UTC().Format(TimestampLayout)
	if seq > 0 || s.fixedSeq {
		ts = fmt.Sprintf("%s_%03d", ts, seq)
	}
	name := strings.Replace(s.template, targetPlaceholder, target, 1)
	return strings.Replace(name, tsPlaceholder, ts, 1)
}

// Decode parses a backup name. It reports false for names the template
// does not produce.
func (s *Scheme) Decode(name string) (model.Backup, bool) {
	m := s.pattern.FindStringSubmatch(name)
	if m == nil {
		return model.Backup{}, false
	}

	b := model.Backup{Name: name}
	for i, group := range s.pattern.SubexpNames() {
		switch group {
		case "target":
			b.Target = m[i]
		case "ts":
			created, err := time.ParseInLocation(TimestampLayout, m[i], time.UTC)
			if err != nil {
				return model.Backup{}, false
			}
			b.CreatedAt = created
		case "seq":
			if m[i] == "" {
				continue
			}
			seq, err := strconv.Atoi(m[i])
			if err != nil {
				return model.Backup{}, false
			}
			b.Seq = seq
		}
	}
	return b, true
}

// DecodeFor parses name and reports whether it is a backup of target.
func (s *Scheme) DecodeFor(target, name string) (model.Backup, bool) {
	b, ok := s.Decode(name)
	if !ok || b.Target != target {
		return model.Backup{}, false
	}
	return b, true
}

// Prefix returns the literal name prefix shared by every backup of target.
// Platforms use it to narrow listings; Decode remains the authority.
func (s *Scheme) Prefix(target string) string {
	head := s.template[:strings.Index(s.template, tsPlaceholder)]
	return strings.Replace(head, targetPlaceholder, target, 1)
}
