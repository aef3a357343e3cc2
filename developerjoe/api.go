package developerjoe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiSessionName     = "developerjoe"
	apiSessionVarField = "authenticated"

	defaultTranscriptPageSize = 50
	maxTranscriptPageSize     = 250
)

// API is the backend admin server: login-gated endpoints for browsing
// and deleting saved transcripts, and for inspecting or replacing a
// guild's model lock lists.
type API struct {
	config     *APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	dj         *DeveloperJoe
}

func newAPI(dj *DeveloperJoe, config *APIConfig) (*API, error) {
	if config.Secret == "" {
		return nil, errors.New("api secret not set")
	}
	a := &API{
		config: config,
		dj:     dj,
		logger: slog.New(newLogHandler(config.LogLevel)).With(
			loggerNameKey, "api",
		),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(a.requestIDMiddleware())
	engine.Use(a.loggingMiddleware())
	engine.Use(gin.Recovery())
	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}
	engine.Use(cors.New(corsConfig))

	store := cookie.NewStore([]byte(config.Secret))
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			Secure:   true,
			HttpOnly: true,
			SameSite: sameSite,
		},
	)
	engine.Use(sessions.Sessions(apiSessionName, store))

	api := engine.Group("/api")
	api.POST("/login", a.handleLogin)
	api.POST("/logout", a.handleLogout)
	api.GET("/loggedin", a.handleLoggedIn)

	authorized := api.Group("", a.requireLogin())
	authorized.GET("/transcripts", a.handleListTranscripts)
	authorized.GET("/transcripts/:id", a.handleGetTranscript)
	authorized.DELETE("/transcripts/:id", a.handleDeleteTranscript)
	authorized.GET("/guilds/:id/locks", a.handleGetGuildLocks)
	authorized.PUT("/guilds/:id/locks", a.handleSetGuildLocks)

	a.engine = engine
	a.httpServer = &http.Server{
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("loading ssl config: %w", err)
		}
		a.httpServer.TLSConfig = tlsCfg
	}
	return a, nil
}

// Serve listens on the configured address until ctx is canceled, then
// shuts the server down gracefully within the bot's shutdown timeout.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.config.Listen, err)
	}
	a.listener = listener
	a.logger.Info("api listening", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if a.httpServer.TLSConfig != nil {
			errCh <- a.httpServer.ServeTLS(listener, "", "")
		} else {
			errCh <- a.httpServer.Serve(listener)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), a.dj.config.ShutdownTimeout,
		)
		defer cancel()
		if shutdownErr := a.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Error("api shutdown error", tint.Err(shutdownErr))
		}
		return nil
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *API) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(xRequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(xRequestIDHeader, requestID)
		c.Next()
	}
}

func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(started),
			"request_id", c.GetString("request_id"),
			"client_ip", c.ClientIP(),
		)
	}
}

// requireLogin rejects requests without an authenticated session.
func (a *API) requireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if loggedIn, ok := session.Get(apiSessionVarField).(bool); !ok || !loggedIn {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized, gin.H{"error": "login required"},
			)
			return
		}
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (a *API) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if a.config.AdminPasswordHash == "" {
		c.JSON(
			http.StatusForbidden,
			gin.H{"error": "admin login is not configured"},
		)
		return
	}

	valid, err := verifyPassword(a.config.AdminPasswordHash, req.Password)
	if err != nil {
		a.logger.Error("error verifying password", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !valid || req.Username != a.config.AdminUsername {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	session := sessions.Default(c)
	session.Set(apiSessionVarField, true)
	if err = session.Save(); err != nil {
		a.logger.Error("error saving session", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": req.Username})
}

func (a *API) handleLogout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{MaxAge: -1, Path: "/"})
	if err := session.Save(); err != nil {
		a.logger.Error("error clearing session", tint.Err(err))
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleLoggedIn(c *gin.Context) {
	session := sessions.Default(c)
	loggedIn, _ := session.Get(apiSessionVarField).(bool)
	c.JSON(http.StatusOK, gin.H{"logged_in": loggedIn})
}

func (a *API) handleListTranscripts(c *gin.Context) {
	limit := defaultTranscriptPageSize
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxTranscriptPageSize)
		}
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	records, err := a.dj.history.List(c.Request.Context(), limit, offset)
	if err != nil {
		a.logger.Error("error listing transcripts", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcripts": records})
}

func (a *API) handleGetTranscript(c *gin.Context) {
	record, exchanges, err := a.dj.history.Retrieve(
		c.Request.Context(), c.Param("id"),
	)
	if err != nil {
		if errors.Is(err, ErrHistoryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transcript not found"})
			return
		}
		a.logger.Error("error retrieving transcript", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"transcript": record,
			"exchanges":  exchanges,
		},
	)
}

func (a *API) handleDeleteTranscript(c *gin.Context) {
	err := a.dj.history.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrHistoryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transcript not found"})
			return
		}
		a.logger.Error("error deleting transcript", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleGetGuildLocks(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		gin.H{"locks": a.dj.locks.GuildRules(c.Param("id"))},
	)
}

type setGuildLocksRequest struct {
	Locks map[string][]string `json:"locks" binding:"required"`
}

func (a *API) handleSetGuildLocks(c *gin.Context) {
	var req setGuildLocksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := a.dj.locks.Replace(c.Request.Context(), c.Param("id"), req.Locks)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.logger.Error("error replacing guild locks", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": a.dj.locks.GuildRules(c.Param("id"))})
}
