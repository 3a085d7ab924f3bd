// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package i18n localizes API messages and emails.
package i18n

import (
	"context"
	"embed"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed translations/*.toml
var translationFS embed.FS

// DefaultLocale is used when no supported language can be matched.
const DefaultLocale = "en"

// Supported lists the languages with a translation file, default first.
var Supported = []language.Tag{
	language.English,
	language.German,
}

var (
	bundle  *i18n.Bundle
	matcher = language.NewMatcher(Supported)
)

type localeContextKey struct{}
type localizerContextKey struct{}

// Init loads translations/active.<locale>.toml for every supported language.
func Init() error {
	bundle = i18n.NewBundle(Supported[0])
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	for _, tag := range Supported {
		file := fmt.Sprintf("translations/active.%s.toml", tag)
		if _, err := bundle.LoadMessageFileFS(translationFS, file); err != nil {
			return err
		}
	}

	return nil
}

// Normalize reduces tag to the supported base language it matches,
// e.g. "de-AT" to "de" and "fr" to DefaultLocale.
func Normalize(tag language.Tag) string {
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return DefaultLocale
	}
	return Supported[idx].String()
}

// ParseLocale normalizes a stored locale name. Empty or unparsable names
// yield DefaultLocale.
func ParseLocale(name string) string {
	tag, err := language.Parse(name)
	if err != nil {
		return DefaultLocale
	}
	return Normalize(tag)
}

// WithLocale stores the matched locale and its localizer in ctx.
func WithLocale(ctx context.Context, lang language.Tag) context.Context {
	locale := Normalize(lang)
	ctx = context.WithValue(ctx, localeContextKey{}, locale)
	return context.WithValue(ctx, localizerContextKey{}, i18n.NewLocalizer(bundle, locale))
}

// WithLocaleName is WithLocale for a locale stored as text.
func WithLocaleName(ctx context.Context, name string) context.Context {
	return WithLocale(ctx, language.Make(ParseLocale(name)))
}

// GetLocale returns the locale stored in ctx, or DefaultLocale.
func GetLocale(ctx context.Context) string {
	if locale, ok := ctx.Value(localeContextKey{}).(string); ok {
		return locale
	}
	return DefaultLocale
}

// T translates a message by ID. Unknown IDs are returned unchanged.
func T(ctx context.Context, messageID string) string {
	return TData(ctx, messageID, nil)
}

// TData translates a message with template data.
func TData(ctx context.Context, messageID string, data map[string]any) string {
	msg, err := localizer(ctx).Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID
	}
	return msg
}

// MatchLanguage picks the best supported language for an Accept-Language header.
func MatchLanguage(acceptLanguage string) language.Tag {
	tag, _ := language.MatchStrings(matcher, acceptLanguage)
	return language.Make(Normalize(tag))
}

func localizer(ctx context.Context) *i18n.Localizer {
	if l, ok := ctx.Value(localizerContextKey{}).(*i18n.Localizer); ok {
		return l
	}
	return i18n.NewLocalizer(bundle, DefaultLocale)
}
