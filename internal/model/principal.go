package model

import "fmt"

// Principal is the logical account on whose behalf data is fetched. Name is
// the identity stored with every row (e.g. "K1"); Username and Password are
// the remote source credentials.
type Principal struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name"`
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"-" yaml:"password" mapstructure:"password"`
}

// String keeps the secret out of logs and fmt output.
func (p Principal) String() string {
	return fmt.Sprintf("%s(%s)", p.Name, p.Username)
}
