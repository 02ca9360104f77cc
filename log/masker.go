/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Mask replaces a matched secret in strings.
type Mask struct {
	RegExp *regexp.Regexp
	Mask   string
}

// NewMask creates a new Mask from its configuration.
func NewMask(cfg MaskConfig) Mask {
	return Mask{regexp.MustCompile(cfg.RegExp), cfg.Mask}
}

// FieldMasker masks a single field in the formats it may appear in.
type FieldMasker struct {
	Field string // lowercase field name, searched as a substring before any regexp runs
	Masks []Mask
}

// NewFieldMasker creates a new FieldMasker from a masking rule.
func NewFieldMasker(cfg MaskingRuleConfig) FieldMasker {
	fm := FieldMasker{Field: strings.ToLower(cfg.Field), Masks: make([]Mask, 0, len(cfg.Masks))}

	for _, maskCfg := range cfg.Masks {
		fm.Masks = append(fm.Masks, NewMask(maskCfg))
	}
	for _, format := range cfg.Formats {
		switch format {
		case FieldMaskFormatHTTPHeader:
			fm.Masks = append(fm.Masks, NewMask(MaskConfig{`(?i)` + cfg.Field + `: .+?\r\n`, cfg.Field + ": ***\r\n"}))
		case FieldMaskFormatJSON:
			fm.Masks = append(fm.Masks, NewMask(MaskConfig{`(?i)"` + cfg.Field + `"\s*:\s*".*?[^\\]"`, `"` + cfg.Field + `": "***"`}))
		case FieldMaskFormatURLEncoded:
			fm.Masks = append(fm.Masks, NewMask(MaskConfig{`(?i)` + cfg.Field + `\s*=\s*[^&\s]+`, cfg.Field + "=***"}))
		}
	}
	return fm
}

// Masker masks configured secrets in strings.
// Candidate fields are located with an Aho-Corasick matcher over the whole string,
// so the per-field regexps run only for fields that actually occur.
type Masker struct {
	fieldMasks []FieldMasker
	matcher    *ahocorasick.Matcher
}

// NewMasker creates a new Masker from the list of masking rules.
func NewMasker(rules []MaskingRuleConfig) *Masker {
	m := &Masker{fieldMasks: make([]FieldMasker, 0, len(rules))}
	fieldNames := make([]string, 0, len(rules))
	for _, rule := range rules {
		fm := NewFieldMasker(rule)
		m.fieldMasks = append(m.fieldMasks, fm)
		fieldNames = append(fieldNames, fm.Field)
	}
	m.matcher = ahocorasick.NewStringMatcher(fieldNames)
	return m
}

// Mask masks all configured secrets found in s and returns the result.
func (m *Masker) Mask(s string) string {
	hits := m.matcher.Match([]byte(strings.ToLower(s)))
	for _, idx := range hits {
		for _, mask := range m.fieldMasks[idx].Masks {
			s = mask.RegExp.ReplaceAllString(s, mask.Mask)
		}
	}
	return s
}

// DefaultMasks is the default set of masking rules.
// It covers the credentials most likely to leak through request logging:
// the Authorization header, OAuth2 token exchange bodies, and api_key/password query parameters.
var DefaultMasks = []MaskingRuleConfig{
	{
		Field:   "Authorization",
		Formats: []FieldMaskFormat{FieldMaskFormatHTTPHeader},
	},
	{
		Field:   "password",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field:   "api_key",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field:   "client_secret",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field:   "access_token",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field:   "refresh_token",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field:   "id_token",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
}
