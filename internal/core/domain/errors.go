package domain

import "errors"

var (
	ErrAlreadyInOtherRoom = errors.New("connection already in another room")
	ErrNotInRoom          = errors.New("connection not in a room")
	ErrRoomNotFound       = errors.New("room not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSessionClosed      = errors.New("peer session closed")
	ErrDeviceUnavailable  = errors.New("capture device unavailable")
	ErrPermissionDenied   = errors.New("capture permission denied")
)
