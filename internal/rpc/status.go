package rpc

import (
	"net/http"

	"github.com/fruitsalade/sfgrid/internal/structfile"
)

var kindStatus = map[structfile.ErrorKind]int{
	structfile.ResourceUnknown:          http.StatusNotFound,
	structfile.ResourceUnreachable:      http.StatusServiceUnavailable,
	structfile.UnsupportedContainerType: http.StatusUnsupportedMediaType,
	structfile.ContainerCorrupt:         http.StatusUnprocessableEntity,
	structfile.SessionClosed:            http.StatusGone,
	structfile.RemoteOperationFailed:    http.StatusBadGateway,
	structfile.InvalidRequest:           http.StatusBadRequest,
}

// StatusForKind maps an error kind to the HTTP status that carries it.
func StatusForKind(kind structfile.ErrorKind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// KindForStatus maps a status back to a kind for responses without a
// failure body.
func KindForStatus(status int) structfile.ErrorKind {
	for kind, s := range kindStatus {
		if s == status {
			return kind
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return structfile.InvalidRequest
	case status == http.StatusGatewayTimeout || status == http.StatusTooManyRequests:
		return structfile.ResourceUnreachable
	}
	return structfile.RemoteOperationFailed
}
