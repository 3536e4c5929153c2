// Package i18n renders user-facing error messages per locale.
//
// Templates are registered with golang.org/x/text/message under the error code
// as key and rendered with text/template so metadata such as {{.Field}} can be
// interpolated.
package i18n

import (
	"bytes"
	"strings"
	"sync"
	"text/template"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// BaseLocale is the fallback locale for every lookup.
const BaseLocale = "en-US"

var (
	registerOnce sync.Once
	supported    []language.Tag
	matcher      language.Matcher

	templatesMu sync.Mutex
	templates   = map[string]*template.Template{}
)

func register() {
	registerOnce.Do(func() {
		for _, locale := range []struct {
			tag      language.Tag
			messages map[string]string
		}{
			{language.AmericanEnglish, enUS},
			{language.BrazilianPortuguese, ptBR},
		} {
			supported = append(supported, locale.tag)
			for code, text := range locale.messages {
				_ = message.SetString(locale.tag, code, text)
			}
		}
		matcher = language.NewMatcher(supported)
	})
}

// ResolveLocale maps a requested locale (BCP 47 or Accept-Language style) onto
// a supported tag, falling back to en-US.
func ResolveLocale(requested string) language.Tag {
	register()
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return language.AmericanEnglish
	}
	tags, _, err := language.ParseAcceptLanguage(requested)
	if err != nil || len(tags) == 0 {
		return language.AmericanEnglish
	}
	_, index, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return language.AmericanEnglish
	}
	return supported[index]
}

// Format renders the message for code in locale. Unknown codes render as the
// code itself so callers always get a non-empty string.
func Format(locale string, code string, metadata map[string]string) string {
	tag := ResolveLocale(locale)
	printer := message.NewPrinter(tag)
	raw := printer.Sprintf(code)
	if raw == code && !known(code) {
		return code
	}
	tmpl, err := parse(tag.String()+"/"+code, raw)
	if err != nil {
		return raw
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, metadata); err != nil {
		return raw
	}
	return buf.String()
}

func known(code string) bool {
	_, ok := enUS[code]
	return ok
}

func parse(key string, raw string) (*template.Template, error) {
	templatesMu.Lock()
	defer templatesMu.Unlock()
	if tmpl, ok := templates[key]; ok {
		return tmpl, nil
	}
	tmpl, err := template.New(key).Option("missingkey=zero").Parse(raw)
	if err != nil {
		return nil, err
	}
	templates[key] = tmpl
	return tmpl, nil
}
