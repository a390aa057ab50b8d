// Package llm adapts the supported model providers to a common completion
// interface: deterministic request construction, response classification,
// and normalization of the JSON contract the market expects back.
package llm

import "github.com/rotisserie/eris"

// Provider is the closed set of supported remotes.
type Provider int

const (
	OpenAI Provider = iota
	Anthropic
	Gemini
)

// Providers lists every supported provider in stable order.
var Providers = []Provider{OpenAI, Anthropic, Gemini}

func (p Provider) String() string {
	switch p {
	case OpenAI:
		return "openai"
	case Anthropic:
		return "anthropic"
	case Gemini:
		return "gemini"
	default:
		return "unknown"
	}
}

// ParseProvider maps a provider tag to its enum value.
func ParseProvider(s string) (Provider, error) {
	switch s {
	case "openai":
		return OpenAI, nil
	case "anthropic":
		return Anthropic, nil
	case "gemini":
		return Gemini, nil
	default:
		return 0, eris.Errorf("unknown provider %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Provider) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Provider) UnmarshalText(text []byte) error {
	v, err := ParseProvider(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
