package webhooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cryptohook/cryptohook/internal/validation"
)

type fileEndpoint struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type fileRoot struct {
	Endpoints []fileEndpoint `yaml:"endpoints"`
}

// LoadFile reads endpoints from a YAML file of the form
//
//	endpoints:
//	  - url: https://shop.example.com/hooks/crypto
//	    secret: s3cret
func LoadFile(path string) ([]Endpoint, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("webhooks: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load parses the YAML endpoint list. Unknown keys are rejected.
func Load(r io.Reader) ([]Endpoint, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var root fileRoot
	if err := dec.Decode(&root); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("webhooks: parse endpoints: %w", err)
	}
	out := make([]Endpoint, len(root.Endpoints))
	for i, e := range root.Endpoints {
		out[i] = Endpoint{URL: e.URL, Secret: e.Secret}
	}
	return out, nil
}

// Validate checks every endpoint has an http(s) URL and a secret. Unless
// allowPrivate is set, URLs that point at loopback or private networks are
// rejected.
func Validate(endpoints []Endpoint, allowPrivate bool) validation.Violations {
	var out validation.Violations
	for i, ep := range endpoints {
		vs := validation.Validate(
			validation.Required("url", ep.URL),
			validation.Required("secret", ep.Secret),
			func() *validation.Violation {
				if ep.URL == "" {
					return nil
				}
				if allowPrivate {
					u, err := url.Parse(ep.URL)
					if err != nil || u.Host == "" {
						return &validation.Violation{Field: "url", Message: "must be an http or https URL"}
					}
					return validation.OneOf("url", u.Scheme, "http", "https")()
				}
				var te *TargetError
				if err := CheckTarget(context.Background(), ep.URL); errors.As(err, &te) {
					v := te.Violation()
					return &v
				} else if err != nil {
					return &validation.Violation{Field: "url", Message: err.Error()}
				}
				return nil
			},
		)
		out = append(out, vs.Prefixed(fmt.Sprintf("endpoints[%d]", i))...)
	}
	return out
}
