// credentials resolves the username and password used to authenticate an
// AMQP connection, either from explicit values or from a credential file.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

const DefaultFile = "credentials.json"

var (
	ErrCredentialsMissing   = errors.New("credentials missing")
	ErrCredentialsMalformed = errors.New("credentials malformed")
)

// MissingError is returned when the credential file does not exist.
type MissingError struct {
	Path string
	Err  error
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("unable to find credential file %q: %s", e.Path, e.Err)
}

func (e *MissingError) Unwrap() error {
	return e.Err
}

func (e *MissingError) Is(target error) bool {
	return target == ErrCredentialsMissing
}

// MalformedError is returned when the credential file cannot be read or
// parsed, or when a required field is absent.
type MalformedError struct {
	Path  string
	Field string
	Err   error
}

func (e *MalformedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("credential file %q: missing field %q", e.Path, e.Field)
	}
	return fmt.Sprintf("credential file %q: %s", e.Path, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrCredentialsMalformed
}

// File is the content of a credential file. URL and Addresses are only used
// by the receive command when they are not given explicitly.
type File struct {
	Username  *string  `json:"username" yaml:"username"`
	Password  *string  `json:"password" yaml:"password"`
	URL       string   `json:"url,omitempty" yaml:"url,omitempty"`
	Addresses []string `json:"addresses,omitempty" yaml:"addresses,omitempty"`
}

// Load reads a credential file. Files ending in .yaml or .yml are parsed as
// YAML, anything else as JSON. Both username and password must be present;
// they may be empty.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &MissingError{Path: path, Err: err}
		}
		return nil, &MalformedError{Path: path, Err: err}
	}
	var file File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, &MalformedError{Path: path, Err: err}
	}
	if file.Username == nil {
		return nil, &MalformedError{Path: path, Field: "username"}
	}
	if file.Password == nil {
		return nil, &MalformedError{Path: path, Field: "password"}
	}
	return &file, nil
}

// Resolve returns explicit when it is set, otherwise the username and
// password read from path. A nil result with a nil error means anonymous
// authentication: an explicit username with no password, or an empty
// username in the file.
func Resolve(explicit *Explicit, path string) (*messenger.Credentials, error) {
	if explicit != nil && (explicit.Username != nil || explicit.Password != nil) {
		return explicit.credentials(), nil
	}
	file, err := Load(path)
	if err != nil {
		return nil, err
	}
	if *file.Username == "" {
		return nil, nil
	}
	return &messenger.Credentials{Username: *file.Username, Password: *file.Password}, nil
}

// Explicit holds values given on the command line or by a caller. A nil
// field was not supplied.
type Explicit struct {
	Username *string
	Password *string
}

func (e *Explicit) credentials() *messenger.Credentials {
	if e.Username == nil || *e.Username == "" {
		return nil
	}
	creds := &messenger.Credentials{Username: *e.Username}
	if e.Password != nil {
		creds.Password = *e.Password
	}
	return creds
}
