//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the user's fault,
// and they return HTTP Status 400, 403, 404 or 409, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the current last 4XXX or 5XXX.
// If you notice there's a gap, DON'T fill it in, that code was used in the past and shouldn't be reused.
// There's no correlation between Code and HTTP Status.
var (
	ErrResourceNotFound    = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody       = Error{Code: 40004, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrInvalidSignature    = Error{Code: 40005, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid signature")}
	ErrMalformedElectionID = Error{Code: 40006, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed election ID")}
	ErrElectionNotFound    = Error{Code: 40007, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("election not found")}
	ErrMalformedBallot     = Error{Code: 40008, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed ballot")}
	ErrDuplicateNullifier  = Error{Code: 40009, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("duplicate nullifier")}
	ErrElectionClosed      = Error{Code: 40010, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("election closed")}
	ErrIneligibleVoter     = Error{Code: 40011, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("ineligible voter")}
	ErrInvalidCensusID     = Error{Code: 40012, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid census ID")}
	ErrCensusNotFound      = Error{Code: 40013, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("census not found")}
	ErrBlockNotFound       = Error{Code: 40014, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("block not found")}
	ErrDuplicateElection   = Error{Code: 40015, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("election already exists")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrMempoolFull                = Error{Code: 50003, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("mempool full")}
)
