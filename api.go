package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"regexp"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zephyrtronium/cfauth/auth"
	"github.com/zephyrtronium/cfauth/metrics"
)

// broker serves tokens of configured credentials to local processes.
type broker struct {
	creds *auth.Provider
	// failed counts token requests that could not be served.
	failed metrics.Observer
}

func newBroker(creds *auth.Provider) *broker {
	return &broker{
		creds: creds,
		failed: metrics.NewPromCounter(
			prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: "cfauth",
					Subsystem: "broker",
					Name:      "failed",
					Help:      "Number of token requests the broker could not serve.",
				},
			),
		),
	}
}

func (b *broker) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /token", b.apiList)
	mux.HandleFunc("GET /token/{name}", b.apiToken)
	mux.HandleFunc("POST /token/{name}/refresh", b.apiRefresh)
	mux.HandleFunc("POST /token/{name}/invalidate", b.apiInvalidate)
}

func serve(ctx context.Context, listen string, b *broker, reg *prometheus.Registry) error {
	reg.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollectorMemStatsMetricsDisabled(),
		collectors.WithGoCollectorRuntimeMetrics(
			collectors.GoRuntimeMetricsRule{
				Matcher: regexp.MustCompile(`^(/gc/heap/allocs:bytes|/memory/classes/total:bytes|/sched/gomaxprocs:threads|/sched/goroutines:goroutines|/sched/latencies:seconds)$`),
			},
		),
	))
	reg.MustRegister(b.failed)
	opts := promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, opts))
	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
	b.routes(mux)
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("couldn't start token broker: %w", err)
	}
	srv := http.Server{
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}
	go func() {
		slog.InfoContext(ctx, "token broker", slog.Any("addr", l.Addr()))
		err := srv.Serve(l)
		if err == http.ErrServerClosed {
			return
		}
		slog.ErrorContext(ctx, "token broker closed", slog.Any("err", err))
	}()
	<-ctx.Done()
	// The context is now done, so it is obviously the wrong choice for
	// managing the shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func jsonerror(w http.ResponseWriter, status int, msg string) {
	v := struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}{
		Error:  msg,
		Status: status,
	}
	b, err := json.Marshal(&v)
	if err != nil {
		panic(err)
	}
	w.WriteHeader(status)
	w.Write(b)
}

// tokenerror reports a failure to get a token with a status that tells the
// caller whether trying again later is worthwhile.
func (b *broker) tokenerror(ctx context.Context, log *slog.Logger, w http.ResponseWriter, err error) {
	b.failed.Observe(1)
	switch {
	case errors.Is(err, auth.ErrUnknownCredential):
		log.WarnContext(ctx, "unknown credential", slog.Any("err", err))
		jsonerror(w, http.StatusNotFound, "no such credential")
	case errors.Is(err, context.Canceled):
		log.InfoContext(ctx, "caller went away")
	case auth.IsTemporary(err):
		log.WarnContext(ctx, "identity service unavailable", slog.Any("err", err))
		w.Header().Set("Retry-After", "5")
		jsonerror(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, auth.ErrInvalidGrant):
		log.ErrorContext(ctx, "credentials rejected", slog.Any("err", err))
		jsonerror(w, http.StatusForbidden, err.Error())
	default:
		log.ErrorContext(ctx, "couldn't get token", slog.Any("err", err))
		jsonerror(w, http.StatusBadGateway, err.Error())
	}
}

type apiToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry,omitzero"`
	Scope       []string  `json:"scope,omitempty"`
}

func (b *broker) writeToken(ctx context.Context, log *slog.Logger, w http.ResponseWriter, tok *auth.Token) {
	u := apiToken{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Expiry:      tok.Expiry,
		Scope:       tok.Scope,
	}
	p, err := json.Marshal(&u)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(p); err != nil {
		log.ErrorContext(ctx, "write response failed", slog.Any("err", err))
	}
}

func (b *broker) apiList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "application/json")
	type entry struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	var u []entry
	for _, name := range b.creds.Names() {
		c, err := b.creds.Credential(name)
		if err != nil {
			// Removed while listing.
			continue
		}
		u = append(u, entry{Name: name, State: c.Status().String()})
	}
	p, err := json.Marshal(u)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(p); err != nil {
		slog.ErrorContext(ctx, "write response failed", slog.Any("err", err))
	}
}

func (b *broker) apiToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slog.With(slog.String("api", "token"), slog.Any("trace", uuid.New()))
	log.DebugContext(ctx, "handle", slog.String("route", r.Pattern), slog.String("remote", r.RemoteAddr))
	w.Header().Set("Content-Type", "application/json")
	c, err := b.creds.Credential(r.PathValue("name"))
	if err != nil {
		b.tokenerror(ctx, log, w, err)
		return
	}
	tok, err := c.Current(ctx)
	if err != nil {
		b.tokenerror(ctx, log, w, err)
		return
	}
	b.writeToken(ctx, log, w, tok)
}

func (b *broker) apiRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slog.With(slog.String("api", "refresh"), slog.Any("trace", uuid.New()))
	log.InfoContext(ctx, "handle", slog.String("route", r.Pattern), slog.String("remote", r.RemoteAddr))
	w.Header().Set("Content-Type", "application/json")
	c, err := b.creds.Credential(r.PathValue("name"))
	if err != nil {
		b.tokenerror(ctx, log, w, err)
		return
	}
	// The body names the access token the caller found to be rejected.
	var req struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.UnmarshalDecode(jsontext.NewDecoder(r.Body), &req); err != nil {
		log.WarnContext(ctx, "bad request", slog.Any("err", err))
		jsonerror(w, http.StatusBadRequest, "body must be a JSON object with access_token")
		return
	}
	tok, err := c.Renew(ctx, req.AccessToken)
	if err != nil {
		b.tokenerror(ctx, log, w, err)
		return
	}
	b.writeToken(ctx, log, w, tok)
}

func (b *broker) apiInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slog.With(slog.String("api", "invalidate"), slog.Any("trace", uuid.New()))
	log.InfoContext(ctx, "handle", slog.String("route", r.Pattern), slog.String("remote", r.RemoteAddr))
	w.Header().Set("Content-Type", "application/json")
	if err := b.creds.Invalidate(r.PathValue("name")); err != nil {
		b.tokenerror(ctx, log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
