package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"meetsrv/internal/adapters/ws"
	"meetsrv/internal/config"
	"meetsrv/internal/core"
	"meetsrv/internal/domain"
	"meetsrv/internal/meetings"
	"meetsrv/internal/storage"
	"meetsrv/internal/summarize"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type Deps struct {
	Rooms       *core.Registry
	Transcripts *core.TranscriptStore
	Meetings    *meetings.Manager
	Store       storage.Store
	Summarizer  *summarize.Summarizer
	Gateway     *ws.Gateway
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeetSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws endpoint hit")
		d.Gateway.HandleWS(ctx, c)
	})

	api.GET("/rooms/:id", func(c *gin.Context) {
		roomID := domain.RoomID(c.Param("id"))
		if _, ok := d.Rooms.Get(roomID); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, domain.Room{ID: roomID, Peers: d.Rooms.ListPeers(roomID)})
	})

	api.GET("/rooms/:id/export", func(c *gin.Context) {
		roomID := domain.RoomID(c.Param("id"))
		switch c.DefaultQuery("format", "json") {
		case "txt":
			c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(d.Transcripts.ExportText(roomID)))
		default:
			payload, err := d.Transcripts.ExportJSON(roomID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.Data(http.StatusOK, "application/json", payload)
		}
	})

	// each call writes a new timestamped object, re-export is allowed
	api.POST("/rooms/:id/export", func(c *gin.Context) {
		roomID := c.Param("id")
		payload, err := d.Transcripts.ExportJSON(domain.RoomID(roomID))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ref, err := d.Store.Save(c.Request.Context(), roomID, payload)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Str("room", roomID).Msg("export save")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "ref": ref})
	})

	api.POST("/rooms/:id/summarize", func(c *gin.Context) {
		roomID := domain.RoomID(c.Param("id"))
		text := d.Transcripts.ExportText(roomID)
		summary, err := d.Summarizer.Summarize(c.Request.Context(), text)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"summary": summary})
	})

	api.POST("/meetings", func(c *gin.Context) {
		var p struct {
			Title    string `json:"title"`
			Datetime string `json:"datetime"`
		}
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		m := d.Meetings.Create(p.Title, p.Datetime)
		c.JSON(http.StatusCreated, m)
	})

	api.GET("/meetings", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Meetings.List())
	})

	api.GET("/meeting/:token", func(c *gin.Context) {
		m, ok := d.Meetings.GetByToken(c.Param("token"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
			return
		}
		c.JSON(http.StatusOK, m)
	})

	return r
}
