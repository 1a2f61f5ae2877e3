package util

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDigitsWithCountry(t *testing.T) {
	cases := map[string]string{
		"(11) 98765-4321":   "5511987654321",
		"11 8765-4321":      "551187654321",
		"+55 11 98765 4321": "5511987654321",
		"351912345678":      "351912345678",
		"12345":             "",
		"":                  "",
	}
	for in, want := range cases {
		require.Equal(t, want, DigitsWithCountry(in), in)
	}
	require.Equal(t, "+5511987654321", E164("11987654321"))
	require.Equal(t, "", E164("abc"))
}

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("Olá {name}, {name}! {unknown}", map[string]string{"name": "Ana"})
	require.Equal(t, "Olá Ana, Ana! {unknown}", out)
	require.Equal(t, "plain", RenderTemplate("plain", nil))
}

func TestNewIDIsPrefixedAndUnique(t *testing.T) {
	a, b := NewID("sess_"), NewID("sess_")
	require.True(t, strings.HasPrefix(a, "sess_"))
	require.NotEqual(t, a, b)
}

func TestSafeGoRecovers(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(zap.NewNop(), "boom", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
}
