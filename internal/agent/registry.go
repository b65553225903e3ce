package agent

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Profile describes how to spawn a process for a role.
type Profile struct {
	// Binary is the executable path or name (resolved via PATH).
	Binary string `toml:"binary"`

	// Args are base arguments prepended to every invocation.
	Args []string `toml:"args"`

	// EnvPassthrough names daemon environment variables copied into
	// the process environment. Everything else is withheld; the
	// explicit minimal environment is a security boundary.
	EnvPassthrough []string `toml:"env_passthrough"`
}

// Registry is the single registration table mapping each role to its
// process profile.
type Registry struct {
	profiles map[Role]Profile
}

// registryFile is the TOML shape of a roles file.
type registryFile struct {
	Roles map[string]Profile `toml:"roles"`
}

// NewRegistry returns a registry with built-in defaults: every role
// runs the remedy-agent binary with its role as an argument.
func NewRegistry() *Registry {
	profiles := make(map[Role]Profile, len(AllRoles()))
	for _, role := range AllRoles() {
		profiles[role] = Profile{
			Binary: "remedy-agent",
			Args:   []string{"--role", string(role)},
			EnvPassthrough: []string{
				"PATH", "HOME", "LANG",
			},
		}
	}
	return &Registry{profiles: profiles}
}

// LoadRegistry reads role profiles from a TOML file, overlaying the
// built-in defaults. Unknown role names in the file are rejected so a
// typo cannot silently leave a role unmapped.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}

	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse roles file %s: %w", path, err)
	}

	reg := NewRegistry()
	for name, profile := range file.Roles {
		role := Role(name)
		if !role.Valid() {
			return nil, fmt.Errorf("roles file %s: unknown role %q", path, name)
		}
		if profile.Binary == "" {
			return nil, fmt.Errorf("roles file %s: role %q has no binary", path, name)
		}
		reg.profiles[role] = profile
	}
	return reg, nil
}

// Profile returns the process profile for a role.
func (r *Registry) Profile(role Role) (Profile, error) {
	p, ok := r.profiles[role]
	if !ok {
		return Profile{}, fmt.Errorf("no profile registered for role %q", role)
	}
	return p, nil
}

// Override replaces the profile for a role. Used by tests and by the
// daemon to point roles at configured binaries.
func (r *Registry) Override(role Role, p Profile) {
	r.profiles[role] = p
}
