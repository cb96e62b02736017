package authz

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vitacare-hc/vitacare/internal/shared"
)

// PermissionChecker is the resolution contract the guard enforces with.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID int64, permissionName string, contextType ContextType, contextID *int64) (bool, error)
}

// ContextExtractor derives the check context from the request. Returning an
// error denies the request.
type ContextExtractor func(r *http.Request) (ContextType, *int64, error)

// RouteRule declares one protected route: method, chi pattern, the required
// permission and how to derive the context. The table of rules is the
// single place route protection is declared; there is no per-handler
// annotation machinery.
type RouteRule struct {
	Method     string
	Pattern    string
	Permission string
	Context    ContextExtractor
	Handler    http.HandlerFunc
}

// Guard is the enforcement component. Every protected route passes through
// Wrap before its handler runs.
type Guard struct {
	checker PermissionChecker
	logger  *slog.Logger
}

// NewGuard constructs the enforcement middleware.
func NewGuard(checker PermissionChecker, logger *slog.Logger) *Guard {
	return &Guard{checker: checker, logger: logger}
}

// MountRoutes registers every rule on the router with enforcement applied.
func (g *Guard) MountRoutes(r chi.Router, rules []RouteRule) {
	for _, rule := range rules {
		r.Method(rule.Method, rule.Pattern, g.Wrap(rule, rule.Handler))
	}
}

// Wrap returns a handler that resolves the rule's permission before calling
// next. Missing identity, extraction failure and resolution deny all answer
// 403; the response never explains which condition failed.
func (g *Guard) Wrap(rule RouteRule, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := shared.PrincipalFromContext(r.Context())
		if principal == nil {
			g.deny(w)
			return
		}
		contextType, contextID, err := rule.Context(r)
		if err != nil {
			g.deny(w)
			return
		}
		allowed, err := g.checker.HasPermission(r.Context(), principal.UserID, rule.Permission, contextType, contextID)
		if err != nil {
			if g.logger != nil {
				g.logger.Error("permission check failed",
					slog.String("permission", rule.Permission),
					slog.Any("error", err))
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if !allowed {
			g.deny(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) deny(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}

// SystemContext extracts the system scope: no context id.
func SystemContext() ContextExtractor {
	return func(*http.Request) (ContextType, *int64, error) {
		return ContextSystem, nil, nil
	}
}

// QueryContext reads context_type and context_id from the query string.
// Scoped contexts with a missing or malformed id fail extraction, which the
// guard treats as a deny.
func QueryContext() ContextExtractor {
	return func(r *http.Request) (ContextType, *int64, error) {
		contextType := ContextType(r.URL.Query().Get("context_type"))
		if contextType == "" {
			contextType = ContextSystem
		}
		if !contextType.Valid() {
			return "", nil, ErrValidation
		}
		if contextType == ContextSystem {
			return ContextSystem, nil, nil
		}
		raw := r.URL.Query().Get("context_id")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", nil, ErrValidation
		}
		return contextType, &id, nil
	}
}
