package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/melih/lighthouse/internal/core/domain"
)

// WorkspaceLister returns every known workspace.
type WorkspaceLister interface {
	Workspaces(ctx context.Context) ([]*domain.Workspace, error)
}

// ProxyHandler manages reverse proxying for subdomains.
type ProxyHandler struct {
	workspaces WorkspaceLister
	domain     string
	targetHost string
}

// NewProxyHandler proxies <name>-<owner>.<domain> to the published port of
// the workspace on targetHost.
func NewProxyHandler(workspaces WorkspaceLister, domain, targetHost string) *ProxyHandler {
	if targetHost == "" {
		targetHost = "127.0.0.1"
	}
	return &ProxyHandler{
		workspaces: workspaces,
		domain:     strings.ToLower(strings.TrimPrefix(domain, ".")),
		targetHost: targetHost,
	}
}

// subdomain returns the workspace slug for host, or false when host is not
// a direct subdomain of the proxy domain.
func (h *ProxyHandler) subdomain(host string) (string, bool) {
	if h.domain == "" {
		return "", false
	}
	host = strings.ToLower(host)
	sub, ok := strings.CutSuffix(host, "."+h.domain)
	if !ok || sub == "" || sub == "www" || strings.Contains(sub, ".") {
		return "", false
	}
	return sub, true
}

// ProxyRequest intercepts requests to workspace subdomains (e.g. shop-alice.localhost)
// and routes them to the workspace's published port.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	slug, ok := h.subdomain(c.Hostname())
	if !ok {
		return c.Next()
	}

	workspaces, err := h.workspaces.Workspaces(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("Failed to list workspaces")
	}

	var port int
	for _, ws := range workspaces {
		if ws.ID.Slug() != slug {
			continue
		}
		// Only proxy to healthy workspaces
		if ws.State == domain.StateHealthy && ws.Port > 0 {
			port = ws.Port
		}
		break
	}
	if port == 0 {
		return c.Status(fiber.StatusNotFound).SendString(fmt.Sprintf("Workspace '%s' not found or not healthy", slug))
	}

	remote, err := url.Parse("http://" + h.targetHost + ":" + strconv.Itoa(port))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("Invalid target URL")
	}

	proxy := httputil.NewSingleHostReverseProxy(remote)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Host = remote.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "Proxy Info: target=%s error=%v", remote.Host, err)
	}

	// Fiber <-> Net/HTTP Adaptor
	return adaptor.HTTPHandler(proxy)(c)
}
