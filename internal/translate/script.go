package translate

import (
	"unicode"

	"golang.org/x/text/language"
)

const minScriptRatio = 0.5

// scriptLetters maps ISO 15924 codes to the letters text written in that
// script is made of. Latin is absent: it cannot tell one language from another.
var scriptLetters = map[string][]*unicode.RangeTable{
	"Hans": {unicode.Han},
	"Hant": {unicode.Han},
	"Jpan": {unicode.Hiragana, unicode.Katakana, unicode.Han},
	"Kore": {unicode.Hangul, unicode.Han},
	"Cyrl": {unicode.Cyrillic},
	"Arab": {unicode.Arabic},
	"Grek": {unicode.Greek},
	"Hebr": {unicode.Hebrew},
	"Thai": {unicode.Thai},
	"Deva": {unicode.Devanagari},
}

// InLanguage reports whether text already looks written in the target
// language, judged by script. Targets written in Latin script always report
// false. Chinese targets also reject text containing kana, which is Japanese.
func InLanguage(text, target string) bool {
	tag, err := language.Parse(target)
	if err != nil {
		return false
	}
	script, _ := tag.Script()
	code := script.String()
	tables, ok := scriptLetters[code]
	if !ok {
		return false
	}

	var letters, native, kana int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.In(r, tables...) {
			native++
		}
		if unicode.In(r, unicode.Hiragana, unicode.Katakana) {
			kana++
		}
	}
	if letters == 0 {
		return false
	}
	if (code == "Hans" || code == "Hant") && kana > 0 {
		return false
	}
	return float64(native)/float64(letters) >= minScriptRatio
}
