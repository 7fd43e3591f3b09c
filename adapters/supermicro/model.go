package supermicro

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/LukeEvansTech/certdeploy/interfaces"
)

// Generation is a board generation with a distinct management protocol.
type Generation string

const (
	X9  Generation = "X9"
	X10 Generation = "X10"
	X11 Generation = "X11"
	X12 Generation = "X12"
	X13 Generation = "X13"
)

// Aliases maps marketing names of boards that share a generation's API.
var Aliases = map[string]Generation{
	"H13": X12,
}

// Redfish reports whether the generation uses the Redfish API.
func (g Generation) Redfish() bool {
	return g == X12 || g == X13
}

// ResolveModel maps a model selector to a supported generation.
func ResolveModel(model string) (Generation, error) {
	model = strings.ToUpper(strings.TrimSpace(model))
	if model == "" {
		return "", fmt.Errorf("%w: board model is required (X9, X10, X11, X12, X13, H13)", interfaces.ErrConfiguration)
	}
	if g, ok := Aliases[model]; ok {
		return g, nil
	}
	switch g := Generation(model); g {
	case X9, X10, X11, X12, X13:
		return g, nil
	}
	return "", fmt.Errorf("%w: unsupported board model %q", interfaces.ErrConfiguration, model)
}

// New is the interfaces.AdapterFactory for Supermicro BMCs.
func New(req interfaces.DeploymentRequest, log *slog.Logger) (interfaces.Adapter, error) {
	gen, err := ResolveModel(req.Options().Model)
	if err != nil {
		return nil, err
	}
	if alias := strings.ToUpper(req.Options().Model); alias != string(gen) {
		log.Info("Treating model as compatible generation", slog.String("model", alias), slog.String("generation", string(gen)))
	}

	if gen.Redfish() {
		return NewRedfishAdapter(gen, log), nil
	}
	return NewLegacyAdapter(gen, log), nil
}
