package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/me/zoocwl/internal/storage"
)

// S3Service is one entry of the URL-pattern service table.
type S3Service struct {
	Name       string `yaml:"-"`
	URLPattern string `yaml:"UrlPattern"`
	ServiceURL string `yaml:"ServiceURL"`
	AccessKey  string `yaml:"AccessKey"`
	SecretKey  string `yaml:"SecretKey"`
	Region     string `yaml:"Region"`
	Bucket     string `yaml:"Bucket,omitempty"`

	// AuthenticationRegion is accepted for compatibility; signing uses Region.
	AuthenticationRegion string `yaml:"AuthenticationRegion,omitempty"`
}

// Credentials converts the entry to a credential set.
func (s S3Service) Credentials() storage.CredentialSet {
	return storage.CredentialSet{
		Endpoint:   s.ServiceURL,
		AccessKey:  s.AccessKey,
		SecretKey:  s.SecretKey,
		Region:     s.Region,
		Bucket:     s.Bucket,
		URLPattern: s.URLPattern,
	}
}

// LoadServicesFile reads a service table of the form
//
//	S3:
//	  Services:
//	    region-one:
//	      UrlPattern: ^s3://results/
//	      Region: RegionOne
//	      ServiceURL: https://minio.example.com
//	      AccessKey: ...
//	      SecretKey: ...
//
// Services are returned in file order; lookups take the first match.
func LoadServicesFile(path string) ([]S3Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}
	services, err := parseServices(data)
	if err != nil {
		return nil, fmt.Errorf("parse services file %s: %w", path, err)
	}
	return services, nil
}

func parseServices(data []byte) ([]S3Service, error) {
	var doc struct {
		S3 struct {
			Services yaml.Node `yaml:"Services"`
		} `yaml:"S3"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	node := &doc.S3.Services
	if node.Kind == 0 {
		return nil, fmt.Errorf("missing S3.Services")
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("S3.Services must be a mapping (line %d)", node.Line)
	}

	// Mapping nodes hold alternating key and value children.
	services := make([]S3Service, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var svc S3Service
		if err := node.Content[i+1].Decode(&svc); err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		svc.Name = name
		if svc.URLPattern == "" {
			return nil, fmt.Errorf("service %q: UrlPattern is required", name)
		}
		if svc.ServiceURL == "" {
			return nil, fmt.Errorf("service %q: ServiceURL is required", name)
		}
		services = append(services, svc)
	}
	return services, nil
}
