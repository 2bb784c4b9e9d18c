// Package auth applies session-level authentication. Header-based schemes
// (basic, bearer, api_key) are set per request; NTLM and OAuth2 are handled
// by the transport built in the httpclient package.
package auth

import (
	"fmt"
	"net/http"
	"os"

	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/util"
)

// ApplyHeaders sets request headers for authentication types that use them
// directly. NTLM needs initial basic credentials for the negotiating
// transport; OAuth2 is entirely transport-driven and needs nothing here.
func ApplyHeaders(req *http.Request, authCfg *config.AuthConfig) error {
	if authCfg == nil {
		return nil
	}
	credentials := authCfg.Credentials
	if credentials == nil {
		credentials = make(map[string]string)
	}

	switch authCfg.Type {
	case "", "none":
		return nil
	case "api_key":
		key, ok := credentials["api_key"]
		if !ok {
			return fmt.Errorf("api_key authentication selected, but 'api_key' not found in credentials")
		}
		req.Header.Set("Authorization", "Bearer "+util.ExpandEnvUniversal(key))
	case "bearer":
		token := GetAPIToken()
		if token == "" {
			token = credentials["token"]
		}
		if token == "" {
			return fmt.Errorf("bearer authentication selected, but no token found in API_TOKEN or credentials")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic", "ntlm":
		username, ok1 := credentials["username"]
		password, ok2 := credentials["password"]
		if !ok1 || !ok2 {
			return fmt.Errorf("%s authentication selected, but 'username' or 'password' not found in credentials", authCfg.Type)
		}
		req.SetBasicAuth(util.ExpandEnvUniversal(username), util.ExpandEnvUniversal(password))
	case "oauth2":
		return nil
	default:
		return fmt.Errorf("unsupported authentication type configured: %s", authCfg.Type)
	}
	return nil
}

// GetAPIToken retrieves the bearer token from the environment.
func GetAPIToken() string {
	return os.Getenv("API_TOKEN")
}
