package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mailfold/mailsync/internal/auth"
	"github.com/mailfold/mailsync/internal/config"
	"github.com/mailfold/mailsync/internal/engine"
	"github.com/mailfold/mailsync/internal/events"
	"github.com/mailfold/mailsync/internal/fetch"
	"github.com/mailfold/mailsync/internal/logger"
	"github.com/mailfold/mailsync/internal/monitor"
	"github.com/mailfold/mailsync/internal/provider/gmail"
	"github.com/mailfold/mailsync/internal/ratelimit"
	"github.com/mailfold/mailsync/internal/session"
	"github.com/mailfold/mailsync/internal/store"
	"github.com/mailfold/mailsync/internal/store/sqlite"
	"github.com/mailfold/mailsync/internal/vault"
)

type googleLoginRequest struct {
	IDToken string `json:"id_token" binding:"required"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config: " + err.Error())
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
	})
	if err != nil {
		panic("logger: " + err.Error())
	}
	defer log.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		log.Fatal("could not create data directory", zap.Error(err))
	}
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("could not open database", zap.Error(err))
	}
	defer db.Close()

	mailbox := gmail.New(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)

	vlt, err := vault.New(cfg.Vault.EncryptionKey, db, mailbox, log)
	if err != nil {
		log.Fatal("could not initialize credential vault", zap.Error(err))
	}

	limiter, err := ratelimit.New(cfg.Sync.RateLimit, cfg.Sync.RateWindow)
	if err != nil {
		log.Fatal("could not initialize rate limiter", zap.Error(err))
	}

	fetcher, err := fetch.New(mailbox, limiter, log, cfg.Sync.BatchSize, cfg.Sync.BatchPause)
	if err != nil {
		log.Fatal("could not initialize fetcher", zap.Error(err))
	}

	eng := engine.New(db, vlt, mailbox, fetcher, log)
	eng.SetProgressFunc(func(accountID string, p engine.Progress) {
		if p.Err != nil {
			log.Warn("sync failed",
				zap.String("account_id", accountID), zap.Error(p.Err))
			return
		}
		log.Info("sync progress",
			zap.String("account_id", accountID),
			zap.Int("processed", p.Processed),
			zap.Int("total", p.Total))
	})

	scheduler := monitor.New(eng, vlt, cfg.Sync.Interval, log)
	sessions := session.New(scheduler, cfg.Sync.SessionIdle, log)

	verifier, err := auth.NewGoogleVerifier(cfg.Google.ClientID)
	if err != nil {
		log.Fatal("could not initialize Google token verifier", zap.Error(err))
	}
	issuer := auth.NewSessionIssuer(cfg.JWT.Secret, cfg.JWT.Expiry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event publishing is optional: without a NATS URL the outbox just
	// accumulates and nothing drains it.
	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = events.NewPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatal("could not connect to NATS", zap.Error(err))
		}
		defer publisher.Close()

		dispatcher := events.NewDispatcher(db, publisher, log)
		go dispatcher.Run(ctx)
		log.Info("event dispatcher running", zap.String("nats_url", cfg.NATS.URL))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Login: verify the Google ID token, upsert the account and start a
	// session. The session token returned here authorizes everything else.
	r.POST("/auth/google", func(c *gin.Context) {
		var req googleLoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := verifier.VerifyIDToken(req.IDToken)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid ID token"})
			return
		}

		acct := &store.Account{ID: user.ID, Email: user.Email, Name: user.Name}
		if err := db.UpsertAccount(c.Request.Context(), acct); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		token, err := issuer.Issue(user.ID, user.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}

		sessions.AddSession(ctx, user.ID)
		c.JSON(http.StatusOK, gin.H{
			"token": token,
			"user":  user,
		})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(issuer))

	// Mailbox connect flow: redirect to Google consent, then receive the
	// code on the callback. The signed session token rides in the OAuth
	// state parameter so the callback knows which account to bind.
	authorized.GET("/gmail/connect", func(c *gin.Context) {
		token := bearerToken(c)
		c.Redirect(http.StatusFound, mailbox.AuthURL(token))
	})

	r.GET("/gmail/callback", func(c *gin.Context) {
		code := c.Query("code")
		state := c.Query("state")
		if code == "" || state == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing code or state"})
			return
		}
		accountID, err := issuer.Verify(state)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid state"})
			return
		}

		cred, err := mailbox.Exchange(c.Request.Context(), code)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if err := vlt.Store(c.Request.Context(), accountID, *cred); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Kick off the initial full sync in the background and make sure
		// the monitor is running now that a credential exists.
		go func() {
			if err := eng.Sync(ctx, accountID); err != nil {
				log.Error("initial sync failed",
					zap.String("account_id", accountID), zap.Error(err))
			}
		}()
		sessions.AddSession(ctx, accountID)

		c.JSON(http.StatusOK, gin.H{"status": "connected"})
	})

	// Manual sync trigger. Unlike the scheduler this surfaces errors to
	// the caller.
	authorized.POST("/sync", func(c *gin.Context) {
		accountID := c.GetString("account_id")
		if err := eng.Sync(c.Request.Context(), accountID); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, vault.ErrNotConnected) || errors.Is(err, vault.ErrCredentialInvalid) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "synced"})
	})

	authorized.GET("/sync/status", func(c *gin.Context) {
		accountID := c.GetString("account_id")
		acct, err := db.FindAccount(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if acct == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		count, err := db.CountMessages(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"syncing":        eng.IsSyncing(accountID),
			"monitoring":     scheduler.IsActive(accountID),
			"session_active": sessions.IsActive(accountID),
			"message_count":  count,
			"last_synced_at": acct.LastSyncedAt,
		})
	})

	authorized.GET("/emails", func(c *gin.Context) {
		accountID := c.GetString("account_id")
		limit := intQuery(c, "limit", 50)
		offset := intQuery(c, "offset", 0)

		msgs, err := db.ListMessages(c.Request.Context(), accountID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"emails": msgs, "count": len(msgs)})
	})

	// Heartbeat keeps the session, and with it the background monitor,
	// alive past the idle timeout.
	authorized.POST("/session/heartbeat", func(c *gin.Context) {
		accountID := c.GetString("account_id")
		sessions.RefreshSession(ctx, accountID)
		c.JSON(http.StatusOK, gin.H{"status": "active"})
	})

	authorized.DELETE("/session", func(c *gin.Context) {
		accountID := c.GetString("account_id")
		sessions.RemoveSession(accountID)
		c.JSON(http.StatusOK, gin.H{"status": "ended"})
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}

	sessions.Cleanup()
	scheduler.StopAll()
	log.Info("shutdown complete")
}

func authMiddleware(issuer *auth.SessionIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}
		accountID, err := issuer.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("account_id", accountID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return h
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
