package rpc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// zerologMiddleware logs every HTTP request
func zerologMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		event := Logger.Info()
		if ww.Status() >= http.StatusInternalServerError {
			event = Logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// forwardedForMiddleware trusts the first X-Forwarded-For hop when the desk
// runs behind a local proxy
func forwardedForMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				r.RemoteAddr = ip
			}
		}
		next.ServeHTTP(w, r)
	})
}

// zerologRecoverer turns panics into 500 responses
func zerologRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				Logger.Error().
					Interface("panic", rvr).
					Str("path", r.URL.Path).
					Msg("Recovered from panic")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func newCORSHandler(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	// wildcard origins cannot be combined with credentials
	allowCredentials := !(len(allowedOrigins) == 1 && allowedOrigins[0] == "*")

	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{
			"Accept-Encoding",
			"Connect-Accept-Encoding",
			"Connect-Content-Encoding",
			"Connect-Protocol-Version",
			"Connect-Timeout-Ms",
			"Content-Encoding",
			"Content-Type",
		},
		ExposedHeaders: []string{
			"Content-Encoding",
			"Connect-Content-Encoding",
		},
		AllowCredentials: allowCredentials,
		MaxAge:           int(2 * time.Hour / time.Second),
	}).Handler(next)
}

// loggingInterceptor logs each desk procedure call
func loggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			event := Logger.Debug()
			if err != nil {
				event = Logger.Warn().Err(err).Str("code", connect.CodeOf(err).String())
			}
			event.
				Str("procedure", req.Spec().Procedure).
				Str("protocol", req.Peer().Protocol).
				Dur("duration", time.Since(start)).
				Msg("rpc")
			return resp, err
		}
	}
}

// noCacheInterceptor keeps quotes and balances out of browser and proxy caches
func noCacheInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			resp, err := next(ctx, req)
			if err == nil && resp != nil {
				resp.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
			}
			return resp, err
		}
	}
}
