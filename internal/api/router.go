package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"gwi.com/ragchat/internal/logger"
)

func NewRouter(apiHandler *APIHandler, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(apiHandler.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Chat-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", apiHandler.HealthHandler)

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.AuthMiddleware)

		r.Post("/auth/login", apiHandler.LoginHandler)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/send", apiHandler.SendMessageHandler)
			r.Post("/upload_document", apiHandler.UploadDocumentHandler)
			r.Post("/cleanup_chat_sessions", apiHandler.CleanupSessionsHandler)
		})

		r.Post("/summarize", apiHandler.SummarizeHandler)
		r.Post("/feedback", apiHandler.FeedbackHandler)
		r.Post("/bing/search", apiHandler.SearchHandler)
	})

	return r
}

// requestLogger writes one access log line per request.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
