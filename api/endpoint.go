package api

import (
	"context"

	"github.com/go-kit/kit/endpoint"
)

func statusEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, _ interface{}) (interface{}, error) {
		return statusRes{Status: svc.Status(ctx)}, nil
	}
}

func listRoundsEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, _ interface{}) (interface{}, error) {
		rounds, err := svc.Rounds(ctx)
		if err != nil {
			return nil, err
		}

		return roundsRes{Total: len(rounds), Rounds: rounds}, nil
	}
}

func viewRoundEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(roundReq)
		if err := req.validate(); err != nil {
			return nil, err
		}

		r, err := svc.Round(ctx, req.round)
		if err != nil {
			return nil, err
		}

		return roundRes{RoundRecord: r}, nil
	}
}
