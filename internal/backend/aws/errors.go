package aws

import (
	"errors"

	"github.com/aws/smithy-go"
)

// EC2 error codes the backend treats as "already done" or "gone".
const (
	codeRouteExists         = "RouteAlreadyExists"
	codeGroupDuplicate      = "InvalidGroup.Duplicate"
	codeGroupNotFound       = "InvalidGroup.NotFound"
	codePermissionDuplicate = "InvalidPermission.Duplicate"
	codeKeyPairNotFound     = "InvalidKeyPair.NotFound"
	codeKeyPairDuplicate    = "InvalidKeyPair.Duplicate"
	codeInstanceNotFound    = "InvalidInstanceID.NotFound"
)

// errorCode returns the service error code of err, or "" if err did not
// come from an AWS API.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// hasCode reports whether err carries one of codes.
func hasCode(err error, codes ...string) bool {
	code := errorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}
