package naibot

import (
	"context"
	"crypto/sha512"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathLogin            = "/api/login"
	apiPathLogout           = "/api/logout"
	apiHealthCheck          = "/api/healthz"
	apiPathMetrics          = "/metrics"
	apiPathLoggedIn         = "/logged_in"
	apiPathQueue            = "/queue"
	apiPathStats            = "/stats"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	loginRequestsPerSecond = 1
	loginRequestBurst      = 5
	apiStatsLeaderboard    = 25
	apiStatsMaxLeaderboard = 100
)

// API is the admin HTTP server. It reports on the queue and the bot's
// statistics, and can pause, resume or stop the bot.
type API struct {
	bot                 *NAIBot
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requests            *prometheus.CounterVec
	logger              *slog.Logger
}

func newAPI(b *NAIBot, config *APIConfig) (*API, error) {
	logger := componentLogger(config.LogLevel).With(loggerNameKey, "api")

	if !b.config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		bot:    b,
		config: config,
		engine: r,
		loginRequestLimiter: rate.NewLimiter(
			rate.Limit(loginRequestsPerSecond),
			loginRequestBurst,
		),
		logger: logger,
		requests: promauto.With(b.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "api_requests_total",
				Help:      "Requests handled by the admin API",
			}, []string{"method", "path", "status"},
		),
	}

	var secretKey []byte
	switch sk := config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}
	api.store = NewCookieStore(secretKey)
	api.store.Options(api.sessionOptions())

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(
			config.SSL.CertFile,
			config.SSL.KeyFile,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if b.config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, api.store),
	)

	r.POST(apiPathLogin, api.loginHandler)
	r.POST(apiPathLogout, api.logoutHandler)
	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(
		apiPathMetrics,
		gin.WrapH(promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{Registry: b.registry})),
	)

	if b.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware())

	protected.GET(apiPathLoggedIn, api.loggedIn)
	protected.GET(apiPathQueue, api.getQueue)
	protected.GET(apiPathStats, api.getStats)
	protected.POST(apiPathPause, api.pause)
	protected.POST(apiPathResume, api.resume)
	protected.POST(apiPathQuit, api.botQuit)
	protected.POST(apiPathRegisterCommands, api.discordRegisterCommands)

	return api, nil
}

func (a *API) sessionOptions() sessions.Options {
	sameSite := http.SameSiteStrictMode
	if a.bot.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   a.config.SSL.Enabled() || a.bot.config.Development,
		MaxAge:   int(a.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// Serve listens on the configured address and serves the API until the
// server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// derive64ByteKey turns the configured secret into a cookie signing key
func derive64ByteKey(input string) []byte {
	hash := sha512.Sum512([]byte(input))
	return hash[:]
}

func (a *API) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !a.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	store := a.bot.store
	if store == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	state, err := store.LoadState(c.Request.Context())
	if err != nil {
		logger.Error("error loading state", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if state.AdminUsername == "" || state.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != state.AdminUsername {
		logger.Warn("admin username incorrect", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := verifyPassword(state.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Options(a.sessionOptions())
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (a *API) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (a *API) loggedIn(c *gin.Context) {
	username, _ := c.Get(sessionVarField)
	name, _ := username.(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: name})
}

func (a *API) healthCheck(c *gin.Context) {
	b := a.bot
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  b.dispatcher.Paused(),
			QueueSize:               b.dispatcher.Queue().Len(),
			DiscordGatewayConnected: b.discord.connected.Load(),
		},
	)
}

// getQueue returns the job being generated, if any, and every queued job
// with its position
func (a *API) getQueue(c *gin.Context) {
	d := a.bot.dispatcher
	rv := queueResponse{
		Paused: d.Paused(),
		Queued: d.Queue().Snapshot().Positions(),
	}
	if job := d.InFlight(); job != nil {
		rv.InFlight = &inFlightJob{
			JobHandle:    job.Handle(),
			AttemptsMade: job.AttemptsMade(),
		}
	}
	c.JSON(http.StatusOK, rv)
}

// getStats returns the leaderboard and outcome totals
func (a *API) getStats(c *gin.Context) {
	logger := ginContextLogger(c)
	store := a.bot.store
	if store == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}

	limit := apiStatsLeaderboard
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > apiStatsMaxLeaderboard {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: fmt.Sprintf("limit must be between 1 and %d", apiStatsMaxLeaderboard)},
			)
			return
		}
		limit = n
	}

	var rv statsResponse
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(
		func() error {
			entries, err := store.Leaderboard(ctx, limit)
			rv.Leaderboard = entries
			return err
		},
	)
	g.Go(
		func() error {
			totals, err := store.OutcomeTotals(ctx)
			rv.Outcomes = totals
			return err
		},
	)
	if err := g.Wait(); err != nil {
		logger.Error("error getting stats", tint.Err(err))
		ginReplyError(c, "error getting stats")
		return
	}
	if rv.Leaderboard == nil {
		rv.Leaderboard = []LeaderboardEntry{}
	}
	c.JSON(http.StatusOK, rv)
}

func (a *API) pause(c *gin.Context) {
	if a.bot.Pause(c.Request.Context()) {
		ginReplyMessage(c, "paused")
		return
	}
	ginReplyMessage(c, "already paused")
}

func (a *API) resume(c *gin.Context) {
	if a.bot.Resume(c.Request.Context()) {
		ginReplyMessage(c, "resumed")
		return
	}
	ginReplyMessage(c, "not paused")
}

func (a *API) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("sending stop signal")
	a.bot.Stop()
	ginReplyMessage(c, "quitting")
}

func (a *API) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	if a.bot.discord.session == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "discord not connected"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.bot.config.StartupTimeout)
	defer cancel()

	commands, err := a.bot.RegisterSlashCommands(discordgo.WithContext(ctx))
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(http.StatusCreated, commands)
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	QueueSize               int  `json:"queue_size"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type queueResponse struct {
	Paused   bool         `json:"paused"`
	InFlight *inFlightJob `json:"in_flight"`
	Queued   []QueuedJob  `json:"queued"`
}

type inFlightJob struct {
	JobHandle
	AttemptsMade int `json:"attempts_made"`
}

type statsResponse struct {
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	Outcomes    map[string]int64   `json:"outcomes"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// authMiddleware rejects requests without a logged-in session
func authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		username, ok := session.Get(sessionVarField).(string)
		if !ok || username == "" {
			ginContextLogger(c).Warn("username not found in session")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a unique ID to each incoming request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by
// ginLoggingMiddleware, or the default logger
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware logs each request when it finishes
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), requestLogger))

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.New(errs.String())),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method, route and status
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		a.requests.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
	}
}

// ginReplyMessage sends a JSON message with HTTP status 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON error with HTTP status 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
