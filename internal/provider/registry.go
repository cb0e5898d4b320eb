package provider

import (
	"fmt"
	"net/http"

	"github.com/animus-labs/reelforge/internal/domain"
)

// Provider pairs a catalogue entry with the API used to reach it.
type Provider struct {
	Entry
	API API
}

type Registry struct {
	byName map[string]Provider
	byType map[domain.NodeType]Provider
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{byName: map[string]Provider{}, byType: map[domain.NodeType]Provider{}}
	for _, p := range providers {
		if p.API == nil {
			return nil, fmt.Errorf("provider %q has no api", p.Name)
		}
		p.Entry = p.Entry.withDefaults()
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name)
		}
		r.byName[p.Name] = p
		for _, t := range p.NodeTypes {
			if owner, taken := r.byType[t]; taken {
				return nil, fmt.Errorf("node type %q served by both %q and %q", t, owner.Name, p.Name)
			}
			r.byType[t] = p
		}
	}
	return r, nil
}

// FromCatalogue builds an HTTP client for every catalogue entry.
func FromCatalogue(cat Catalogue, httpClient *http.Client) (*Registry, error) {
	providers := make([]Provider, 0, len(cat.Providers))
	for _, e := range cat.Providers {
		client, err := NewClient(e, httpClient)
		if err != nil {
			return nil, err
		}
		providers = append(providers, Provider{Entry: e, API: client})
	}
	return NewRegistry(providers...)
}

func (r *Registry) ForType(t domain.NodeType) (Provider, error) {
	p, ok := r.byType[t]
	if !ok {
		return Provider{}, fmt.Errorf("%w for %s", ErrNoProvider, t)
	}
	return p, nil
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %q", ErrNoProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}
