package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a saved connection: one bastion and the database endpoint
// reached through it.  Naming ssh.host turns the tunnel on unless the
// profile says "enabled: false".
//
//	ssh:
//	  host: bastion.example.com
//	  username: deploy
//	  auth_method: private_key
//	  private_key: ~/.ssh/id_ed25519
//	remote:
//	  host: db.internal
//	  port: 27017
type Profile struct {
	SSH    Settings `yaml:"ssh"`
	Remote struct {
		Host string `yaml:"host"`
		Port uint16 `yaml:"port"`
	} `yaml:"remote"`
}

// LoadProfile reads a YAML profile.  Unknown keys are rejected so a
// typo does not silently disable a setting.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	if p.SSH.Host != "" {
		if p.SSH.Auth == "" {
			p.SSH.Auth = AuthPassword
		}
		if !enabledSet(data) {
			p.SSH.Enabled = true
		}
	}
	return &p, nil
}

// enabledSet reports whether the profile spells out ssh.enabled.
func enabledSet(data []byte) bool {
	var keys struct {
		SSH map[string]yaml.Node `yaml:"ssh"`
	}
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return false
	}
	_, ok := keys.SSH["enabled"]
	return ok
}

// Apply copies the profile into cfg.  It runs before environment and
// flag overrides.
func (p *Profile) Apply(cfg *Config) {
	cfg.SSH = p.SSH
	if p.Remote.Host != "" {
		cfg.RemoteHost = p.Remote.Host
	}
	if p.Remote.Port != 0 {
		cfg.RemotePort = p.Remote.Port
	}
}
