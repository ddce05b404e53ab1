// Package i18n provides per-list translation of the prose the engine
// generates (digest mastheads, command replies).
//
// Translation scope is explicit: callers obtain a printer for the list's
// preferred language and pass it down, so one runner can serve lists in
// different languages without global state.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

var builder = catalog.NewBuilder(catalog.Fallback(language.English))

func init() {
	// English text doubles as the message key, so only non-English
	// languages need entries.
	for key, tr := range map[string]string{
		"%s Digest, Vol %d, Issue %d":        "%s Sammlung, Band %d, Eintrag %d",
		"Today's Topics:":                    "Meldungen des Tages:",
		"Today's Topics (%d messages)":       "Meldungen des Tages (%d Nachrichten)",
		"End of %s":                          "Ende %s",
		"Send %s mailing list submissions to %s": "Senden Sie Beiträge für die Liste %s an %s",
		"To subscribe or unsubscribe via email, send a message with subject or body 'help' to %s": "Um sich per E-Mail an- oder abzumelden, schicken Sie eine Nachricht mit dem Betreff oder Text 'help' an %s",
		"You can reach the person managing the list at %s": "Die Person, die die Liste verwaltet, erreichen Sie unter %s",
		"The results of your email commands": "Die Ergebnisse Ihrer E-Mail-Befehle",
	} {
		if err := builder.SetString(language.German, key, tr); err != nil {
			panic(err)
		}
	}
}

// P formats engine prose in one language. The zero value is not usable;
// obtain instances from Printer.
type P struct {
	mp *message.Printer
}

// Sprintf translates format into the printer's language and interpolates
// the arguments. Unknown messages fall back to the English text.
func (p P) Sprintf(format string, args ...interface{}) string {
	return p.mp.Sprintf(format, args...)
}

// Printer returns a printer for the given language code, falling back to
// English for unknown codes.
func Printer(lang string) P {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	return P{mp: message.NewPrinter(tag, message.Catalog(builder))}
}
