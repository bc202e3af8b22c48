package accounts

import "errors"

var (
	ErrNotFound       = errors.New("accounts: not found")
	ErrUnauthorized   = errors.New("accounts: unauthorized")
	ErrInviteInvalid  = errors.New("accounts: invite invalid or expired")
	ErrPasswordNotSet = errors.New("accounts: password not set")
	ErrAlreadyActive  = errors.New("accounts: user already activated")
	ErrNotActivated   = errors.New("accounts: user not activated")
	ErrSelfDelete     = errors.New("accounts: cannot delete own account")
	ErrBootstrapped   = errors.New("accounts: key hierarchy already bootstrapped")
	ErrNotBootstrapped = errors.New("accounts: key hierarchy not bootstrapped")
)
