package resputil

type ErrorCode int

const (
	OK ErrorCode = 0

	// General
	InvalidRequest ErrorCode = 40001

	// Lifecycle
	InvalidTransition ErrorCode = 40002
	ProjectBusy       ErrorCode = 40003

	// Token
	TokenExpired ErrorCode = 40101
	TokenInvalid ErrorCode = 40102

	// Key material could not be unwrapped (wrong password, corrupt row)
	KeyError ErrorCode = 40103

	// User is not allowed to access the resource
	UserNotAllowed ErrorCode = 40301

	// Requested entity does not exist
	NotFound ErrorCode = 40401

	// Requested change is identical to the current state
	NothingToDo ErrorCode = 40901

	// Database or object storage failure
	StorageError ErrorCode = 50001

	// Indicates laziness of the developer
	// Frontend will directly print the message without any translation
	NotSpecified ErrorCode = 99999
)
