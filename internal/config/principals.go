package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/demandsync/internal/model"
)

// credentialsFile is the on-disk credentials layout. Either the two-account
// form (username1, username2, password) or an explicit principals list is
// accepted. JSON files parse too since JSON is valid YAML.
type credentialsFile struct {
	Credentials `yaml:",inline"`
	Principals  []model.Principal `yaml:"principals"`
}

// LoadPrincipals returns the accounts to ingest for, in processing order.
// Config principals come first, then the two-account credentials, then
// entries from credentials_file.
func (c *Config) LoadPrincipals() ([]model.Principal, error) {
	out := append([]model.Principal(nil), c.Principals...)
	out = append(out, c.Credentials.principals()...)

	if c.CredentialsFile != "" {
		data, err := os.ReadFile(c.CredentialsFile)
		if err != nil {
			return nil, eris.Wrap(err, "config: read credentials file")
		}
		fromFile, err := parseCredentials(data)
		if err != nil {
			return nil, err
		}
		out = append(out, fromFile...)
	}

	if len(out) == 0 {
		return nil, eris.New("config: no principals configured (set principals or credentials_file)")
	}

	seen := make(map[string]bool, len(out))
	for i, p := range out {
		if p.Name == "" || p.Username == "" {
			return nil, eris.Errorf("config: principal %d needs name and username", i)
		}
		if seen[p.Name] {
			return nil, eris.Errorf("config: duplicate principal %q", p.Name)
		}
		seen[p.Name] = true
	}
	return out, nil
}

func parseCredentials(data []byte) ([]model.Principal, error) {
	var cf credentialsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, eris.Wrap(err, "config: parse credentials file")
	}

	return append(cf.Principals, cf.Credentials.principals()...), nil
}
