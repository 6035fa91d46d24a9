package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimple(t *testing.T) {
	got := Simple{}.Extract("Senior Engineer, engineer; C++/Go 2024!")
	assert.Equal(t, []string{"2024", "c", "engineer", "go", "senior"}, got)
	assert.Nil(t, Simple{}.Extract("  --  "))
}

func TestSimpleStopWords(t *testing.T) {
	got := Simple{DropStopWords: true}.Extract("the head of the engineering team")
	assert.Equal(t, []string{"engineering", "head", "team"}, got)
}

func TestUnicodeNormalises(t *testing.T) {
	got := Unicode{}.Extract("Ｃafé STRASSE straße, naïve")
	assert.Contains(t, got, "café")
	assert.Contains(t, got, "naïve")
	assert.Contains(t, got, "strasse", "full-width and case folding")
	for _, w := range got {
		assert.False(t, strings.ContainsAny(w, " ,"), w)
	}
}

func TestStemming(t *testing.T) {
	got := Stemming{Base: Simple{}}.Extract("running runs engineers")
	assert.Equal(t, []string{"engin", "run"}, got)
}

func TestFuncDedupes(t *testing.T) {
	f := Func(func(text string) []string { return strings.Split(text, ",") })
	assert.Equal(t, []string{"a", "b"}, f.Extract("b,a,,b"))
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", "simple", "simple-stop", "unicode", "stem"} {
		e, err := ByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, e)
	}
	_, err := ByName("soundex")
	assert.Error(t, err)
}
