package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Endpoint is one configured delivery target. Immutable after load;
// credentials are resolved once from the secrets directory at process start.
type Endpoint struct {
	ID     string  `json:"id"`
	Host   string  `json:"host"`
	Port   int     `json:"port"`
	Weight float64 `json:"weight"`
	User   string  `json:"user,omitempty"`
	Pass   string  `json:"pass,omitempty"`
}

// LoadEndpoints reads the endpoint configuration document and overlays
// credentials from "<secretsDir>/smtp_<id>_user" and "_pass" files when they
// exist. An unreadable config file is a start-time error; the delivery engine
// cannot run without endpoints.
func LoadEndpoints(configFile, secretsDir string) ([]Endpoint, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("read endpoint config: %w", err)
	}

	var endpoints []Endpoint
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("parse endpoint config: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("endpoint config %s lists no endpoints", configFile)
	}

	for i := range endpoints {
		ep := &endpoints[i]
		if ep.ID == "" || ep.Host == "" {
			return nil, fmt.Errorf("endpoint %d missing id or host", i)
		}
		if ep.Port == 0 {
			ep.Port = 25
		}
		if ep.Weight <= 0 {
			ep.Weight = 1.0
		}

		if secretsDir == "" {
			continue
		}
		if user, ok := readSecret(filepath.Join(secretsDir, "smtp_"+ep.ID+"_user")); ok {
			ep.User = user
		}
		if pass, ok := readSecret(filepath.Join(secretsDir, "smtp_"+ep.ID+"_pass")); ok {
			ep.Pass = pass
		}
	}

	return endpoints, nil
}

func readSecret(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}
