package internal

import (
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
)

func findRoute(routes []fiber.Route, method, path string) *fiber.Route {
	for idx := range routes {
		if routes[idx].Method == method && routes[idx].Path == path {
			return &routes[idx]
		}
	}
	return nil
}

func TestPublicTrackRouteRateLimited(t *testing.T) {
	srv := testsupport.NewTestServer(t, testsupport.TestServerOptions{
		RouteMountFunc: MountAppRoutes,
	})
	trackRoute := findRoute(srv.App.GetRoutes(true), fiber.MethodPost, "/x/api/v1/track")
	require.NotNil(t, trackRoute, "expected track route to be registered")

	// Outside production the limiter sits behind a pass-through wrapper.
	hasRateLimiter := false
	var handlerNames []string
	for _, handler := range trackRoute.Handlers {
		name := runtime.FuncForPC(reflect.ValueOf(handler).Pointer()).Name()
		handlerNames = append(handlerNames, name)
		if strings.Contains(name, "middleware/limiter") || strings.Contains(name, "MountRoutes.func") {
			hasRateLimiter = true
			break
		}
	}

	require.Truef(t, hasRateLimiter, "expected rate limiter middleware for public track route, handlers: %v", handlerNames)
}

func TestRoutesRegistered(t *testing.T) {
	srv := testsupport.NewTestServer(t, testsupport.TestServerOptions{
		RouteMountFunc: MountAppRoutes,
	})
	routes := srv.App.GetRoutes(true)

	expected := []struct {
		method string
		path   string
	}{
		{fiber.MethodPost, "/x/api/v1/track"},
		{fiber.MethodOptions, "/x/api/v1/track"},
		{fiber.MethodGet, "/x/api/v1/me"},
		{fiber.MethodOptions, "/x/api/v1/me"},
		{fiber.MethodGet, "/admin/api/analytics"},
		{fiber.MethodGet, "/_health"},
		{fiber.MethodHead, "/_health"},
		{fiber.MethodGet, "/metrics"},
	}

	for _, route := range expected {
		require.NotNilf(t, findRoute(routes, route.method, route.path), "expected %s %s to be registered", route.method, route.path)
	}
}
