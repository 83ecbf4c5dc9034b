// Package api serves the status of a running coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/orchestration"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	serviceName = "roundsync"
	contentType = "application/json"
)

func MakeHandler(svc Service, runID string) http.Handler {
	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(encodeError),
	}

	mux := chi.NewRouter()

	mux.Get("/health", healthHandler(runID))
	mux.Get("/status", otelhttp.NewHandler(kithttp.NewServer(
		statusEndpoint(svc),
		decodeEmpty,
		encodeResponse,
		opts...,
	), "status").ServeHTTP)

	mux.Route("/rounds", func(r chi.Router) {
		r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
			listRoundsEndpoint(svc),
			decodeEmpty,
			encodeResponse,
			opts...,
		), "list_rounds").ServeHTTP)
		r.Get("/{round}", otelhttp.NewHandler(kithttp.NewServer(
			viewRoundEndpoint(svc),
			decodeRoundRequest,
			encodeResponse,
			opts...,
		), "view_round").ServeHTTP)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func healthHandler(runID string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthRes{Status: "pass", Service: serviceName, RunID: runID})
	}
}

func decodeEmpty(_ context.Context, _ *http.Request) (interface{}, error) {
	return nil, nil
}

func decodeRoundRequest(_ context.Context, r *http.Request) (interface{}, error) {
	round, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil {
		return nil, errInvalidRound
	}

	return roundReq{round: round}, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", contentType)

	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	w.Header().Set("Content-Type", contentType)

	switch {
	case errors.Is(err, errInvalidRound):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, orchestration.ErrRoundNotFound), errors.Is(err, pkgerrors.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
