package deploy

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/LukeEvansTech/certdeploy/adapters/apcnmc"
	"github.com/LukeEvansTech/certdeploy/adapters/onyx"
	"github.com/LukeEvansTech/certdeploy/adapters/supermicro"
	"github.com/LukeEvansTech/certdeploy/interfaces"
)

// Variant describes one supported device family.
type Variant struct {
	Name        string
	Aliases     []string
	Kind        interfaces.TransportKind
	Description string
	// Models lists accepted model selectors and the generation each maps to.
	Models  map[string]string
	Factory interfaces.AdapterFactory
}

// Registry is the closed set of adapter variants.
type Registry struct {
	variants []Variant
	index    map[string]int
}

// NewRegistry indexes variants by name and alias.
func NewRegistry(variants ...Variant) (*Registry, error) {
	r := &Registry{index: map[string]int{}}
	for i, v := range variants {
		for _, key := range append([]string{v.Name}, v.Aliases...) {
			key = strings.ToLower(key)
			if _, dup := r.index[key]; dup {
				return nil, fmt.Errorf("adapter name %q registered twice", key)
			}
			r.index[key] = i
		}
		r.variants = append(r.variants, v)
	}
	return r, nil
}

// DefaultRegistry returns the built-in adapters.
func DefaultRegistry() *Registry {
	models := map[string]string{}
	for _, g := range []supermicro.Generation{supermicro.X9, supermicro.X10, supermicro.X11, supermicro.X12, supermicro.X13} {
		models[string(g)] = string(g)
	}
	for alias, g := range supermicro.Aliases {
		models[alias] = string(g)
	}

	r, err := NewRegistry(
		Variant{
			Name:        "supermicro",
			Aliases:     []string{"supermicro-ipmi", "ipmi"},
			Kind:        interfaces.HTTPTransport,
			Description: "Supermicro BMC (Redfish on X12/X13, CGI on X9-X11)",
			Models:      models,
			Factory:     supermicro.New,
		},
		Variant{
			Name:        "onyx",
			Aliases:     []string{"nvidia-onyx", "mellanox"},
			Kind:        interfaces.HTTPTransport,
			Description: "NVIDIA Onyx switch JSON API",
			Factory:     onyx.New,
		},
		Variant{
			Name:        "apcnmc",
			Aliases:     []string{"apc", "apc-nmc"},
			Kind:        interfaces.SSHTransport,
			Description: "APC UPS network management card over SSH",
			Factory:     apcnmc.New,
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup finds a variant by name or alias.
func (r *Registry) Lookup(name string) (Variant, error) {
	i, ok := r.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Variant{}, fmt.Errorf("%w: unknown adapter %q, expected one of %s",
			interfaces.ErrConfiguration, name, strings.Join(r.Names(), ", "))
	}
	return r.variants[i], nil
}

// Names returns the canonical adapter names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.variants))
	for _, v := range r.variants {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}

// Variants returns all variants in registration order.
func (r *Registry) Variants() []Variant {
	out := make([]Variant, len(r.variants))
	copy(out, r.variants)
	return out
}

// NewAdapter builds the adapter for req.
func (v Variant) NewAdapter(req interfaces.DeploymentRequest, log *slog.Logger) (interfaces.Adapter, error) {
	return v.Factory(req, log)
}
