package transform

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/models"
)

// Step is one declarative per-field transform. Steps are pure: they map an
// optional value (nil meaning absent) to a new optional value.
type Step interface {
	Apply(v interface{}) (interface{}, error)
	Token() string
}

// Token names.
const (
	TokCurrencyStrip      = "currency_strip"
	TokCodeNormalize      = "code_normalize"
	TokDescriptionCleanup = "description_cleanup"
	TokUpper              = "upper"
	TokLower              = "lower"
	TokRegexExtract       = "regex_extract"
	TokEnumMap            = "enum_map"
	TokLookup             = "lookup"
	TokDateParse          = "date_parse"
	TokDefault            = "default"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	nonAlnum      = regexp.MustCompile(`[^A-Z0-9]+`)
)

// stringStep applies fn to string values and passes everything else through.
type stringStep struct {
	token string
	fn    func(string) string
}

func (s stringStep) Token() string { return s.token }

func (s stringStep) Apply(v interface{}) (interface{}, error) {
	str, ok := v.(string)
	if !ok {
		return v, nil
	}
	return s.fn(str), nil
}

// CurrencyStrip removes '$', ',' and surrounding whitespace.
func CurrencyStrip() Step {
	return stringStep{token: TokCurrencyStrip, fn: func(s string) string {
		s = strings.ReplaceAll(s, "$", "")
		s = strings.ReplaceAll(s, ",", "")
		return strings.TrimSpace(s)
	}}
}

// CodeNormalize upper-cases and strips every non-alphanumeric character.
func CodeNormalize() Step {
	return stringStep{token: TokCodeNormalize, fn: func(s string) string {
		return nonAlnum.ReplaceAllString(strings.ToUpper(s), "")
	}}
}

// DescriptionCleanup trims and collapses internal whitespace.
func DescriptionCleanup() Step {
	return stringStep{token: TokDescriptionCleanup, fn: collapse}
}

// Upper upper-cases strings.
func Upper() Step { return stringStep{token: TokUpper, fn: strings.ToUpper} }

// Lower lower-cases strings.
func Lower() Step { return stringStep{token: TokLower, fn: strings.ToLower} }

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// RegexExtract replaces a value with one capture group of Pattern. A value
// the pattern does not match becomes nil.
type RegexExtract struct {
	Pattern *regexp.Regexp
	Group   int
	raw     string
}

func (r RegexExtract) Token() string { return r.raw }

func (r RegexExtract) Apply(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		if v == nil {
			return nil, nil
		}
		s = models.FormatAny(v)
	}
	m := r.Pattern.FindStringSubmatch(s)
	if m == nil {
		return nil, nil
	}
	return strings.TrimSpace(m[r.Group]), nil
}

// EnumMap translates codes through a closed table. Matching is
// case-insensitive on the trimmed value; an unknown code fails.
type EnumMap struct {
	Table  string
	values map[string]string
}

func (e EnumMap) Token() string { return TokEnumMap + "(" + e.Table + ")" }

func (e EnumMap) Apply(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	key := strings.ToUpper(strings.TrimSpace(models.FormatAny(v)))
	if key == "" {
		return nil, nil
	}
	if out, ok := e.values[key]; ok {
		return out, nil
	}
	return nil, errors.Newf(errors.KindCoercionFailed, "%q is not in enum table %s", key, e.Table)
}

// Lookup translates values through an open table; unknown values become
// nil.
type Lookup struct {
	Table  string
	values map[string]string
}

func (l Lookup) Token() string { return TokLookup + "(" + l.Table + ")" }

func (l Lookup) Apply(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	out, ok := l.values[strings.ToUpper(strings.TrimSpace(models.FormatAny(v)))]
	if !ok {
		return nil, nil
	}
	return out, nil
}

// DateParse parses strings with the listed layouts, first match wins.
type DateParse struct {
	Layouts []string
}

func (d DateParse) Token() string { return TokDateParse + "(" + strings.Join(d.Layouts, "|") + ")" }

func (d DateParse) Apply(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range d.Layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, errors.Newf(errors.KindCoercionFailed, "%q matches none of %s", s, strings.Join(d.Layouts, ", "))
}

// Default supplies Value when the input is absent or blank.
type Default struct {
	Value string
}

func (d Default) Token() string { return TokDefault + "(" + d.Value + ")" }

func (d Default) Apply(v interface{}) (interface{}, error) {
	if isBlank(v) {
		return d.Value, nil
	}
	return v, nil
}

func isBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// Tables resolves the tables named by enum_map and lookup tokens.
type Tables map[string]map[string]string

// ParseStep parses a transform token such as "regex_extract(^(\w+) -,1)".
// tables may be nil when only the syntax is being checked.
func ParseStep(token string, tables Tables) (Step, error) {
	token = strings.TrimSpace(token)
	name, arg, hasArg, err := splitToken(token)
	if err != nil {
		return nil, err
	}

	simple := map[string]func() Step{
		TokCurrencyStrip:      CurrencyStrip,
		TokCodeNormalize:      CodeNormalize,
		TokDescriptionCleanup: DescriptionCleanup,
		TokUpper:              Upper,
		TokLower:              Lower,
	}
	if ctor, ok := simple[name]; ok {
		if hasArg {
			return nil, errors.Newf(errors.KindMappingInvalid, "%s takes no arguments", name)
		}
		return ctor(), nil
	}
	if !hasArg {
		return nil, errors.Newf(errors.KindMappingInvalid, "unknown transform %q", token)
	}

	switch name {
	case TokRegexExtract:
		return parseRegexExtract(token, arg)
	case TokEnumMap, TokLookup:
		table := strings.TrimSpace(arg)
		if table == "" {
			return nil, errors.Newf(errors.KindMappingInvalid, "%s needs a table name", name)
		}
		var values map[string]string
		if tables != nil {
			raw, ok := tables[table]
			if !ok {
				return nil, errors.Newf(errors.KindMappingInvalid, "%s references unknown table %q", name, table)
			}
			values = make(map[string]string, len(raw))
			for k, v := range raw {
				values[strings.ToUpper(strings.TrimSpace(k))] = v
			}
		}
		if name == TokEnumMap {
			return EnumMap{Table: table, values: values}, nil
		}
		return Lookup{Table: table, values: values}, nil
	case TokDateParse:
		var layouts []string
		for _, l := range strings.Split(arg, "|") {
			if l = strings.TrimSpace(l); l != "" {
				layouts = append(layouts, l)
			}
		}
		if len(layouts) == 0 {
			return nil, errors.New(errors.KindMappingInvalid, "date_parse needs at least one layout")
		}
		return DateParse{Layouts: layouts}, nil
	case TokDefault:
		return Default{Value: arg}, nil
	}
	return nil, errors.Newf(errors.KindMappingInvalid, "unknown transform %q", token)
}

// ValidateToken checks token syntax without resolving tables.
func ValidateToken(token string) error {
	_, err := ParseStep(token, nil)
	return err
}

func splitToken(token string) (name, arg string, hasArg bool, err error) {
	open := strings.IndexByte(token, '(')
	if open < 0 {
		return token, "", false, nil
	}
	if !strings.HasSuffix(token, ")") {
		return "", "", false, errors.Newf(errors.KindMappingInvalid, "unbalanced transform %q", token)
	}
	return strings.TrimSpace(token[:open]), token[open+1 : len(token)-1], true, nil
}

// parseRegexExtract splits "pattern,group" at the last comma so patterns
// may contain commas. group is an index or a named group.
func parseRegexExtract(token, arg string) (Step, error) {
	comma := strings.LastIndexByte(arg, ',')
	if comma < 0 {
		return nil, errors.Newf(errors.KindMappingInvalid, "regex_extract needs pattern and group: %q", token)
	}
	pattern, group := arg[:comma], strings.TrimSpace(arg[comma+1:])
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindMappingInvalid, "invalid regex_extract pattern")
	}
	idx, convErr := strconv.Atoi(group)
	if convErr != nil {
		idx = re.SubexpIndex(group)
	}
	if idx < 0 || idx > re.NumSubexp() {
		return nil, errors.Newf(errors.KindMappingInvalid, "regex_extract group %q does not exist", group)
	}
	return RegexExtract{Pattern: re, Group: idx, raw: token}, nil
}
