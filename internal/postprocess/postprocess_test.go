package postprocess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRules(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"ii between letters becomes ü", "Priifung der Bescheinigung", "Prüfung der Bescheinigung"},
		{"capital-led word keeps ii", "Hawaii", "Hawaii"},
		{"spacing diaeresis after vowel", "Gro¨ße", "Größe"},
		{"spacing diaeresis before vowel", "Tu¨r und ¨Ubung", "Tür und Übung"},
		{"combining diaeresis composes", "Mu\u0308ller", "M\u00fcller"},
		{"double diaeresis collapses", "Mu\u0308\u0308ller", "M\u00fcller"},
		{"paragraph sign with l", "gemäß § l5 BGB", "gemäß § 15 BGB"},
		{"paragraph sign with I", "§I2 Abs. 3", "§12 Abs. 3"},
		{"paragraph sign with O", "§ 1O ZPO", "§ 10 ZPO"},
		{"digit confusion inside numbers", "Seite 1l2 von 2O0", "Seite 112 von 200"},
		{"line-start numbering", "l. Einleitung\n  l. Punkt", "1. Einleitung\n1. Punkt"},
		{"noise glyph runs are removed", "Text |||¦ mehr", "Text mehr"},
		{"short noise is kept", "Achtung!!", "Achtung!!"},
		{"control characters are removed", "ab\x00c\x07d\x1b", "abcd"},
		{"space after sentence punctuation", "Das ist gut.Wir gehen", "Das ist gut. Wir gehen"},
		{"abbreviations are not split", "U.S.A. und z.B.", "U.S.A. und z.B."},
		{"typographic quotes and dashes", "\u201eZitat\u201c \u2013 \u2018x\u2019 \u2014 y", "\"Zitat\" - 'x' - y"},
		{"zero width and soft hyphen", "Ver\u00adtrag\u200b\ufeffsrecht", "Vertragsrecht"},
		{"full width digits and letters", "\uff21\uff42\uff53\uff0e\uff11\uff12", "Abs\uff0e12"},
		{"line endings", "a\r\nb\rc", "a\nb\nc"},
		{"inline whitespace collapses", "a \t  b  c", "a b c"},
		{"blank lines collapse to two", "a\n\n\n\n\n\nb", "a\n\n\nb"},
		{"trailing spaces on lines", "a   \n   b", "a\nb"},
		{"outer whitespace is trimmed", "\n\n  text  \n", "text"},
		{"empty stays empty", "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Clean(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	inputs := []string{
		"Priiiifung   §l  l.\r\n\n\n\n\nEnde.Neu ||||| „x“",
		"aiiiib ¨¨u iiii",
		"\uff34\uff45\uff53\uff54\u200b\uff11\uff2f\uff12 \u2014 done!Now",
		"\x00\x01   \t\n\n\n\n\n\n  ",
		"§ lO5 and 1I1O1",
	}
	for _, in := range inputs {
		once, err := Clean(in)
		require.NoError(t, err)
		twice, err := Clean(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "input %q", in)
	}
}

func TestDetectLanguage(t *testing.T) {
	testCases := []struct {
		name string
		text string
		want Language
	}{
		{"german", "Der Vertrag ist nicht mit dem Käufer geschlossen worden", LanguageGerman},
		{"english", "The contract is binding and shall be read with the annex", LanguageEnglish},
		{"french", "Le contrat est signé par les parties dans une forme écrite", LanguageFrench},
		{"italian", "Il contratto della società è valido per una durata di anni", LanguageItalian},
		{"no keywords", "Lorem ipsum dolor sit amet", LanguageUnknown},
		{"empty", "", LanguageUnknown},
		{"german wins ties", "der the", LanguageGerman},
		{"english beats french on ties", "the le", LanguageEnglish},
		{"french beats italian on ties", "le il", LanguageFrench},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectLanguage(tc.text))
		})
	}
}

func TestVocabulariesAreDisjoint(t *testing.T) {
	seen := map[string]Language{}
	for lang, words := range vocabulary {
		for _, w := range strings.Fields(words) {
			prev, dup := seen[w]
			assert.False(t, dup, "%q is listed for %s and %s", w, prev, lang)
			seen[w] = lang
		}
	}
	assert.Len(t, keywords, len(seen))
}

func TestProcess(t *testing.T) {
	res, err := Process("Die  Priifung   ist abgeschlossen.Der Bericht folgt")
	require.NoError(t, err)
	assert.Equal(t, "Die Prüfung ist abgeschlossen. Der Bericht folgt", res.Text)
	assert.Equal(t, LanguageGerman, res.Language)
}
