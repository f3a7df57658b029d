package ecs

import (
	"errors"
	"strings"

	"preview-env-manager/environment"

	"github.com/aws/smithy-go"
)

const (
	codeServiceNotFound    = "ServiceNotFoundException"
	codeServiceNotActive   = "ServiceNotActiveException"
	codeInvalidParameter   = "InvalidParameterException"
	codeImageNotFound      = "ImageNotFoundException"
	codeRepositoryNotFound = "RepositoryNotFoundException"
)

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func apiErrorMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorMessage()
	}
	return err.Error()
}

// isNotIdempotent matches the rejection ECS returns when a service with the
// same name is still draining.
func isNotIdempotent(err error) bool {
	if apiErrorCode(err) != codeInvalidParameter {
		return false
	}
	return strings.Contains(strings.ToLower(apiErrorMessage(err)), "not idempotent")
}

func observationError(id environment.ServiceIdentity, op string, err error) error {
	return &environment.ObservationError{Identity: id, Op: op, Code: apiErrorCode(err), Err: err}
}
