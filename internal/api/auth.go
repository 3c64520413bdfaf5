package api

import (
	"context"
	"errors"
	"strings"

	"parkwise/internal/config"
	"parkwise/internal/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	clientKeyUnknown    = "unknown"

	permReadLots    = "read:lots"
	permWriteLots   = "write:lots"
	permWriteSpaces = "write:spaces"
	permBilling     = "billing"
	permReconcile   = "reconcile"
	permExport      = "export"
	permStream      = "stream"
)

var (
	errMissingKey       = errors.New("missing api key")
	errInvalidKey       = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
)

// anonymous acts for every request when auth is disabled.
var anonymous = models.Actor{UserID: "anonymous", Role: models.RoleGuest}

type client struct {
	actor       models.Actor
	permissions map[string]bool
}

// allowed treats an empty permission list as allow-all.
func (c client) allowed(perm string) bool {
	return perm == "" || len(c.permissions) == 0 || c.permissions[perm]
}

// keyring maps API keys to the actors they authenticate as.
type keyring struct {
	enabled bool
	header  string
	clients map[string]client
}

func newKeyring(cfg config.APIAuthConfig) (*keyring, error) {
	header := strings.ToLower(strings.TrimSpace(cfg.HeaderAPIKey))
	if header == "" {
		header = apiKeyHeaderDefault
	}
	k := &keyring{enabled: cfg.Enabled, header: header, clients: make(map[string]client, len(cfg.APIKeys))}
	for _, key := range cfg.APIKeys {
		role, err := models.ParseRole(key.Role)
		if err != nil {
			return nil, err
		}
		perms := make(map[string]bool, len(key.Permissions))
		for _, p := range key.Permissions {
			if p = strings.TrimSpace(p); p != "" {
				perms[p] = true
			}
		}
		userID := key.UserID
		if userID == "" {
			userID = key.Name
		}
		k.clients[key.Key] = client{
			actor:       models.Actor{UserID: userID, Email: key.Email, Role: role},
			permissions: perms,
		}
	}
	return k, nil
}

// authenticate resolves apiKey to an actor allowed to use perm.
func (k *keyring) authenticate(apiKey, perm string) (models.Actor, error) {
	if !k.enabled {
		return anonymous, nil
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return models.Actor{}, errMissingKey
	}
	c, ok := k.clients[apiKey]
	if !ok {
		return models.Actor{}, errInvalidKey
	}
	if !c.allowed(perm) {
		return models.Actor{}, errPermissionDenied
	}
	return c.actor, nil
}

type actorKey struct{}

func withActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the authenticated caller stored by the API middleware.
func ActorFrom(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(models.Actor)
	return actor, ok
}

// AuthInterceptor authenticates gRPC calls with the same keys as HTTP.
type AuthInterceptor struct {
	keys    *keyring
	limiter *rateLimiter
	public  map[string]bool
}

func NewAuthInterceptor(cfg config.APIConfig) (*AuthInterceptor, error) {
	keys, err := newKeyring(cfg.Auth)
	if err != nil {
		return nil, err
	}
	return &AuthInterceptor{
		keys:    keys,
		limiter: newRateLimiter(cfg.RateLimit),
		public: map[string]bool{
			"/grpc.health.v1.Health/Check": true,
			"/grpc.health.v1.Health/Watch": true,
			"/grpc.health.v1.Health/List":  true,
		},
	}, nil
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := a.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, err := a.authorize(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (a *AuthInterceptor) authorize(ctx context.Context, fullMethod string) (context.Context, error) {
	if a.public[fullMethod] {
		return ctx, nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	apiKey := first(md.Get(a.keys.header))
	actor, err := a.keys.authenticate(apiKey, "")
	switch {
	case errors.Is(err, errPermissionDenied):
		return ctx, status.Error(codes.PermissionDenied, err.Error())
	case err != nil:
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}

	if !a.limiter.allow(a.clientKey(ctx, apiKey)) {
		return ctx, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return withActor(ctx, actor), nil
}

func (a *AuthInterceptor) clientKey(ctx context.Context, apiKey string) string {
	if apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
