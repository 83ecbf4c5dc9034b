package api

import "errors"

var errInvalidRound = errors.New("round must be a non-negative integer")

type roundReq struct {
	round int
}

func (req roundReq) validate() error {
	if req.round < 0 {
		return errInvalidRound
	}

	return nil
}
