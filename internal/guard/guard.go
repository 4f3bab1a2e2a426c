// Package guard decides, from the session alone, whether a route may be
// shown or where the user should be sent instead.
package guard

import (
	"strings"

	"github.com/nhle/helpdesk/internal/session"
)

// Paths the guard redirects to.
const (
	LoginPath     = "/login"
	RegisterPath  = "/register"
	DashboardPath = "/dashboard"
)

// Layout is the chrome a route is rendered in.
type Layout string

const (
	LayoutNone Layout = ""
	LayoutAuth Layout = "auth"
	LayoutMain Layout = "main"
)

// Route is one entry of the route table. Pattern segments starting with
// ':' match any single non-empty segment.
type Route struct {
	Pattern      string
	Name         string
	Layout       Layout
	RequiresAuth bool
	// UserType, when set, restricts the route to users of that type.
	UserType string
}

// Routes is the client's route table.
var Routes = []Route{
	{Pattern: "/", Name: "home"},
	{Pattern: LoginPath, Name: "login", Layout: LayoutAuth},
	{Pattern: "/reset-password", Name: "reset-password", Layout: LayoutAuth},
	{Pattern: RegisterPath, Name: "register", Layout: LayoutAuth},
	{Pattern: DashboardPath, Name: "dashboard", Layout: LayoutMain, RequiresAuth: true},
	{Pattern: "/settings", Name: "settings", Layout: LayoutMain},
	{Pattern: "/profile", Name: "profile", Layout: LayoutMain},
	{Pattern: "/Usuarios", Name: "usuarios", Layout: LayoutMain},
	{Pattern: "/tickets", Name: "tickets", Layout: LayoutMain},
	{Pattern: "/formulario-empresas", Name: "FormularioEmpresas", Layout: LayoutMain, RequiresAuth: true, UserType: "interno"},
	{Pattern: "/proyectos", Name: "FormulariosProyectos", Layout: LayoutMain},
	{Pattern: "/permisos", Name: "FormularioPermisos", Layout: LayoutMain},
	{Pattern: "/roles-crud", Name: "RolesCrudList", Layout: LayoutMain},
	{Pattern: "/roles-crud/editar/:id", Name: "RolesCrudEdit", Layout: LayoutMain},
	{Pattern: "/historial-tickets", Name: "HistorialTickets", Layout: LayoutMain},
	{Pattern: "/tickets/:id", Name: "detalle-ticket", Layout: LayoutMain},
	{Pattern: "/new-password/:token", Name: "NewPassword", Layout: LayoutAuth},
	{Pattern: "/Notificaciones", Name: "Notificaciones", Layout: LayoutMain},
}

// Outcome is what the guard decided for a navigation.
type Outcome int

const (
	Allow Outcome = iota
	Redirect
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	case NotFound:
		return "not-found"
	}
	return "unknown"
}

// Decision is the result of Resolve.
type Decision struct {
	Outcome Outcome
	// Route is the matched route. Zero for NotFound.
	Route Route
	// Params holds the values of ':name' segments.
	Params map[string]string
	// Target is the path to go to instead, for Redirect.
	Target string
}

// SessionReader exposes the current session.
type SessionReader interface {
	Snapshot() session.Snapshot
}

// Guard resolves navigations against a route table.
type Guard struct {
	session SessionReader
	routes  []Route
}

// New creates a Guard over the default route table.
func New(s SessionReader) *Guard {
	return NewWithRoutes(s, Routes)
}

// NewWithRoutes creates a Guard over routes.
func NewWithRoutes(s SessionReader, routes []Route) *Guard {
	return &Guard{session: s, routes: routes}
}

// Resolve decides what happens when the user navigates to path. The
// session is read once; callers that need a hydrated profile run
// CheckAuth first.
func (g *Guard) Resolve(path string) Decision {
	route, params, ok := g.match(path)
	if !ok {
		return Decision{Outcome: NotFound}
	}

	snap := g.session.Snapshot()
	authed := snap.IsAuthenticated()

	switch {
	case route.RequiresAuth && !authed:
		return Decision{Outcome: Redirect, Route: route, Params: params, Target: LoginPath}

	case route.UserType != "" && (snap.User == nil || snap.User.Type != route.UserType):
		return Decision{Outcome: Redirect, Route: route, Params: params, Target: DashboardPath}

	case authed && (route.Pattern == LoginPath || route.Pattern == RegisterPath):
		return Decision{Outcome: Redirect, Route: route, Params: params, Target: DashboardPath}
	}

	return Decision{Outcome: Allow, Route: route, Params: params}
}

func (g *Guard) match(path string) (Route, map[string]string, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	segs := strings.Split(path, "/")

	for _, r := range g.routes {
		if params, ok := matchPattern(r.Pattern, segs); ok {
			return r, params, true
		}
	}
	return Route{}, nil, false
}

func matchPattern(pattern string, segs []string) (map[string]string, bool) {
	psegs := strings.Split(pattern, "/")
	if len(psegs) != len(segs) {
		return nil, false
	}

	var params map[string]string
	for i, p := range psegs {
		if name, ok := strings.CutPrefix(p, ":"); ok {
			if segs[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[name] = segs[i]
			continue
		}
		if p != segs[i] {
			return nil, false
		}
	}
	return params, true
}
