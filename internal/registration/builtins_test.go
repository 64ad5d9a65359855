package registration

import (
	"testing"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

func TestBuiltins(t *testing.T) {
	r := Builtins()
	for _, p := range []domain.Provider{domain.ProviderOpenAI, domain.ProviderAnthropic} {
		c, err := r.Get(p)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", p, err)
		}
		if c.Provider() != p {
			t.Errorf("Get(%s).Provider() = %s", p, c.Provider())
		}
	}
	if got := len(r.Providers()); got != 2 {
		t.Errorf("len(Providers()) = %d, want 2", got)
	}
}
