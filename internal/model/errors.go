package model

import "github.com/rotisserie/eris"

// Error kinds. Wrap them with eris.Wrap/Wrapf and test with errors.Is.
var (
	// ErrConfiguration is fatal and raised before any remote call.
	ErrConfiguration = eris.New("configuration error")
	// ErrRemoteUnavailable means the remote collection could not be reached
	// after bounded retries. It fails a single tile, not the run.
	ErrRemoteUnavailable = eris.New("remote unavailable")
	// ErrDispatch means a job could not be submitted for a tile.
	ErrDispatch = eris.New("dispatch failure")
)
