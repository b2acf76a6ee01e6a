package auth

import (
	"maps"
	"slices"

	"github.com/c360/wsbridge/pkg/subject"
)

// Built-in roles.
const (
	RoleSensor   = "sensor"
	RoleActuator = "actuator"
	RoleAdmin    = "admin"
	RoleMonitor  = "monitor"
)

// Permissions are publish and subscribe pattern templates. Templates may
// contain the {clientId} placeholder.
type Permissions struct {
	Publish   []string `yaml:"publish" json:"publish"`
	Subscribe []string `yaml:"subscribe" json:"subscribe"`
}

// Roles maps role names to their permission templates.
type Roles map[string]Permissions

// DefaultRoles returns the built-in presets.
func DefaultRoles() Roles {
	return Roles{
		RoleSensor: {
			Publish:   []string{"telemetry.{clientId}.>", "factory.>"},
			Subscribe: []string{"commands.{clientId}.>"},
		},
		RoleActuator: {
			Publish:   []string{"status.{clientId}.>", "events.>"},
			Subscribe: []string{"commands.{clientId}.>"},
		},
		RoleAdmin: {
			Publish:   []string{">"},
			Subscribe: []string{">"},
		},
		RoleMonitor: {
			Subscribe: []string{">"},
		},
	}
}

// Merge returns the presets overlaid with overrides.
func (r Roles) Merge(overrides Roles) Roles {
	out := maps.Clone(r)
	if out == nil {
		out = Roles{}
	}
	for name, p := range overrides {
		out[name] = p
	}
	return out
}

// Resolve expands role's templates for clientID. An unknown role grants
// nothing.
func (r Roles) Resolve(role, clientID string) Permissions {
	p, ok := r[role]
	if !ok {
		return Permissions{}
	}
	return Permissions{
		Publish:   subject.ExpandAll(p.Publish, clientID),
		Subscribe: subject.ExpandAll(p.Subscribe, clientID),
	}
}

// Names returns the role names in sorted order.
func (r Roles) Names() []string {
	return slices.Sorted(maps.Keys(r))
}

// permissionsFor picks explicit lists when present, falling back per list
// to the role preset. A present but empty list denies everything.
func (r Roles) permissionsFor(role, clientID string, publish, subscribe *[]string) Permissions {
	preset := r.Resolve(role, clientID)
	out := preset
	if publish != nil {
		out.Publish = subject.ExpandAll(*publish, clientID)
	}
	if subscribe != nil {
		out.Subscribe = subject.ExpandAll(*subscribe, clientID)
	}
	return out
}
