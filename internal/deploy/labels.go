package deploy

import (
	"fmt"
	"strconv"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Ownership labels set on every workspace container.
const (
	LabelOwner     = "lighthouse.owner"
	LabelWorkspace = "lighthouse.workspace"
	LabelPort      = "lighthouse.port"
)

// TraefikConfig configures the reverse proxy labels.
type TraefikConfig struct {
	Enabled      bool
	Domain       string
	Network      string
	EntryPoint   string
	CertResolver string
}

// Labeler derives container labels and public URLs for workspaces.
type Labeler struct {
	cfg TraefikConfig
}

func NewLabeler(cfg TraefikConfig) *Labeler {
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = "websecure"
	}
	return &Labeler{cfg: cfg}
}

// Host is the public host name of ws.
func (l *Labeler) Host(ws domain.WorkspaceID) string {
	return ws.Slug() + "." + l.cfg.Domain
}

// URL is the public URL of ws, empty when no domain is configured.
func (l *Labeler) URL(ws domain.WorkspaceID) string {
	if l.cfg.Domain == "" {
		return ""
	}
	scheme := "http"
	if l.cfg.CertResolver != "" {
		scheme = "https"
	}
	return scheme + "://" + l.Host(ws)
}

// Labels returns the ownership labels plus, when enabled, the Traefik router
// and service labels for a container listening on containerPort.
func (l *Labeler) Labels(ws domain.WorkspaceID, hostPort, containerPort int) map[string]string {
	labels := map[string]string{
		LabelOwner:     ws.Owner,
		LabelWorkspace: ws.Name,
		LabelPort:      strconv.Itoa(hostPort),
	}
	if !l.cfg.Enabled || l.cfg.Domain == "" {
		return labels
	}

	router := ws.Slug()
	prefix := "traefik.http.routers." + router
	labels["traefik.enable"] = "true"
	if l.cfg.Network != "" {
		labels["traefik.docker.network"] = l.cfg.Network
	}
	labels[prefix+".rule"] = fmt.Sprintf("Host(`%s`)", l.Host(ws))
	labels[prefix+".entrypoints"] = l.cfg.EntryPoint
	if l.cfg.CertResolver != "" {
		labels[prefix+".tls"] = "true"
		labels[prefix+".tls.certresolver"] = l.cfg.CertResolver
	}
	labels["traefik.http.services."+router+".loadbalancer.server.port"] = strconv.Itoa(containerPort)
	return labels
}
