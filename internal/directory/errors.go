package directory

import "github.com/boundarymesh/controlplane/internal/coreerr"

func newUnauthorized(cause error) error {
	return coreerr.New(coreerr.Unauthorized, cause)
}

func newRetryLater(cause error) error {
	return coreerr.New(coreerr.RetryLater, cause)
}

func newBadResponse(cause error) error {
	return coreerr.New(coreerr.InvalidResponse, cause)
}
