package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/melih/lighthouse/internal/core/domain"
)

func TestLabeler(t *testing.T) {
	ws := domain.WorkspaceID{Owner: "alice", Name: "my-shop"}
	const router = "traefik.http.routers.my-shop-alice"
	const service = "traefik.http.services.my-shop-alice.loadbalancer.server.port"

	tests := map[string]struct {
		cfg      TraefikConfig
		expected map[string]string
		absent   []string
		url      string
	}{
		"traefik with tls": {
			cfg: TraefikConfig{Enabled: true, Domain: "apps.example.com", Network: "traefik-public", CertResolver: "letsencrypt"},
			expected: map[string]string{
				"traefik.enable":             "true",
				"traefik.docker.network":     "traefik-public",
				router + ".rule":             "Host(`my-shop-alice.apps.example.com`)",
				router + ".entrypoints":      "websecure",
				router + ".tls":              "true",
				router + ".tls.certresolver": "letsencrypt",
				service:                      "8080",
			},
			url: "https://my-shop-alice.apps.example.com",
		},
		"traefik without tls": {
			cfg: TraefikConfig{Enabled: true, Domain: "localhost", EntryPoint: "web"},
			expected: map[string]string{
				router + ".rule":        "Host(`my-shop-alice.localhost`)",
				router + ".entrypoints": "web",
				service:                 "8080",
			},
			absent: []string{router + ".tls", "traefik.docker.network"},
			url:    "http://my-shop-alice.localhost",
		},
		"disabled": {
			cfg:    TraefikConfig{},
			absent: []string{"traefik.enable", router + ".rule"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			l := NewLabeler(tc.cfg)
			labels := l.Labels(ws, 20001, 8080)

			assert.Equal(t, "alice", labels[LabelOwner])
			assert.Equal(t, "my-shop", labels[LabelWorkspace])
			assert.Equal(t, "20001", labels[LabelPort])
			for k, v := range tc.expected {
				assert.Equal(t, v, labels[k], k)
			}
			for _, k := range tc.absent {
				assert.NotContains(t, labels, k)
			}
			assert.Equal(t, tc.url, l.URL(ws))
		})
	}
}
