package postprocess

import (
	"strings"
	"unicode"
)

// Language is an ISO 639-1 code or "unknown"
type Language string

const (
	LanguageGerman  Language = "de"
	LanguageEnglish Language = "en"
	LanguageFrench  Language = "fr"
	LanguageItalian Language = "it"
	LanguageUnknown Language = "unknown"
)

// languagePriority breaks ties between equal keyword counts
var languagePriority = []Language{LanguageGerman, LanguageEnglish, LanguageFrench, LanguageItalian}

// vocabulary holds closed lists of frequent function words. No word belongs
// to more than one language.
var vocabulary = map[Language]string{
	LanguageGerman: "der die das und ist nicht mit von zu den des dem ein eine einer auf für sich auch als " +
		"wird werden sind bei oder nach gemäß über vom zum zur wurde haben hat kann",
	LanguageEnglish: "the and of to is in that for with on are was as be by this from or an not have has " +
		"which will shall",
	LanguageFrench: "le la les et du un une est dans pour que qui sur par avec pas au aux ce cette sont " +
		"été être ne",
	LanguageItalian: "il lo gli della delle dei del che per con una sono non nel nella alla alle anche " +
		"come più questo questa essere è",
}

var keywords = map[string]Language{}

func init() {
	for lang, words := range vocabulary {
		for _, w := range strings.Fields(words) {
			keywords[w] = lang
		}
	}
}

// DetectLanguage counts keyword hits per language
func DetectLanguage(text string) Language {
	counts := map[Language]int{}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if lang, ok := keywords[w]; ok {
			counts[lang]++
		}
	}

	best, bestCount := LanguageUnknown, 0
	for _, lang := range languagePriority {
		if counts[lang] > bestCount {
			best, bestCount = lang, counts[lang]
		}
	}
	return best
}
