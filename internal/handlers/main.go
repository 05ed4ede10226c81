package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// LLM represents a large language model that can answer a conversation either at once or as a
// sequence of chunks. The last streamed chunk carries the token usage when the provider reports it.
type LLM interface {
	Complete(ctx context.Context, req models.CompletionRequest) (models.Completion, error)
	Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[models.CompletionChunk, error]
}

// Store defines the persistence the handlers need: accounts and their issued tokens, threads owned
// by a user, thread messages and usage logs. Lookups of missing or foreign records return an error
// matching services.ErrNotFound.
type Store interface {
	AddUser(ctx context.Context, user models.User, passwordHash string) (models.User, error)
	UserByEmail(ctx context.Context, email string) (models.User, string, error)
	User(ctx context.Context, id models.ID) (models.User, error)

	AddToken(ctx context.Context, token string, grant models.TokenGrant) error
	Token(ctx context.Context, token string) (models.TokenGrant, error)
	DeleteToken(ctx context.Context, token string) error

	Threads(ctx context.Context, userID models.ID) ([]models.Thread, error)
	Thread(ctx context.Context, userID, id models.ID) (models.Thread, error)
	AddThread(ctx context.Context, userID models.ID, thread models.Thread) (models.Thread, error)
	UpdateThread(ctx context.Context, userID models.ID, thread models.Thread) (models.Thread, error)
	DeleteThread(ctx context.Context, userID, id models.ID) error

	Messages(ctx context.Context, threadID models.ID) ([]models.Message, error)
	AddMessage(ctx context.Context, threadID models.ID, message models.Message) (models.Message, error)

	AddUsage(ctx context.Context, log models.UsageLog) error
	UsageSummary(ctx context.Context, userID models.ID) (models.UsageSummary, error)
}

// Options tune the behaviour of Main. Zero values fall back to the defaults below.
type Options struct {
	// RateLimitPerMinute caps the generation requests of one user. Negative disables the limit.
	RateLimitPerMinute int
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	// ContextMessages is how many of the latest thread messages are sent to the model.
	ContextMessages int
	// BcryptCost is the cost of password hashes.
	BcryptCost int

	Logger *slog.Logger
}

const (
	DefaultRateLimitPerMinute = 60
	DefaultAccessTokenTTL     = 30 * time.Minute
	DefaultRefreshTokenTTL    = 7 * 24 * time.Hour
	DefaultContextMessages    = 12

	instrumentationName = "github.com/MegaGrindStone/nova-chat/internal/handlers"
)

// Main serves the chat backend API: authentication, thread management, history, blocking and
// streaming generation, and usage accounting.
type Main struct {
	llm   LLM
	store Store

	limiters        *limiterSet
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	contextMessages int
	bcryptCost      int

	// closing is cancelled by Shutdown to end in-flight generations.
	closing context.Context
	stop    context.CancelFunc

	tracer      trace.Tracer
	generations metric.Int64Counter
	tokens      metric.Int64Counter

	logger *slog.Logger
}

type limiterSet struct {
	mu        sync.Mutex
	perMinute int
	limiters  map[models.ID]*rate.Limiter
}

type userKey struct{}

// NewMain creates a new Main instance with the provided LLM and Store implementations.
func NewMain(llm LLM, store Store, opts Options) Main {
	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if opts.RefreshTokenTTL <= 0 {
		opts.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if opts.ContextMessages <= 0 {
		opts.ContextMessages = DefaultContextMessages
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter(instrumentationName)
	generations, _ := meter.Int64Counter("nova.server.generations",
		metric.WithDescription("Generation requests by mode and result"))
	tokens, _ := meter.Int64Counter("nova.server.tokens",
		metric.WithDescription("Tokens reported by the model provider"))

	closing, stop := context.WithCancel(context.Background())

	return Main{
		llm:   llm,
		store: store,
		limiters: &limiterSet{
			perMinute: opts.RateLimitPerMinute,
			limiters:  make(map[models.ID]*rate.Limiter),
		},
		accessTokenTTL:  opts.AccessTokenTTL,
		refreshTokenTTL: opts.RefreshTokenTTL,
		contextMessages: opts.ContextMessages,
		bcryptCost:      opts.BcryptCost,
		closing:         closing,
		stop:            stop,
		tracer:          otel.Tracer(instrumentationName),
		generations:     generations,
		tokens:          tokens,
		logger:          logger.With(slog.String("module", "handlers")),
	}
}

// Routes returns the handler of the whole API, mounted under /api.
func (m Main) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/signup", m.HandleSignup)
	mux.HandleFunc("POST /api/auth/login", m.HandleLogin)
	mux.HandleFunc("POST /api/auth/refresh", m.HandleRefresh)

	mux.Handle("GET /api/users/me", m.authenticated(m.HandleMe))
	mux.Handle("GET /api/users/usage/summary", m.authenticated(m.HandleUsageSummary))

	mux.Handle("POST /api/chat/new", m.authenticated(m.HandleNewChat))
	mux.Handle("GET /api/chat/list", m.authenticated(m.HandleListChats))
	mux.Handle("PATCH /api/chat/{id}", m.authenticated(m.HandleRenameChat))
	mux.Handle("DELETE /api/chat/{id}", m.authenticated(m.HandleDeleteChat))
	mux.Handle("GET /api/chat/history/{id}", m.authenticated(m.HandleHistory))
	mux.Handle("POST /api/chat/send", m.authenticated(m.rateLimited(m.HandleSend)))
	mux.Handle("POST /api/chat/send/stream", m.authenticated(m.rateLimited(m.HandleSendStream)))

	return mux
}

// Shutdown ends the in-flight streaming generations, so that the HTTP server can drain its
// connections. It doesn't wait for them.
func (m Main) Shutdown(context.Context) error {
	m.stop()
	return nil
}

// authenticated resolves the bearer token of the request to an active user and stores it in the
// request context.
func (m Main) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		grant, err := m.store.Token(r.Context(), token)
		if err != nil || grant.Kind != models.TokenAccess || grant.Expired(time.Now()) {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		user, err := m.store.User(r.Context(), grant.UserID)
		if err != nil || !user.IsActive {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func (m Main) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFromContext(r.Context())
		if !m.limiters.allow(user.ID) {
			m.logger.Warn("Rate limit exceeded", slog.String("userID", string(user.ID)))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (l *limiterSet) allow(id models.ID) bool {
	if l.perMinute < 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.limiters[id] = lim
	}
	return lim.Allow()
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func userFromContext(ctx context.Context) models.User {
	user, _ := ctx.Value(userKey{}).(models.User)
	return user
}

// decodeJSON decodes the request body into v, answering 400 when it can't.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
