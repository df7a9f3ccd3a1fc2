package token

import "errors"

// Sentinel errors returned by the token engine.
var (
	ErrMintExists          = errors.New("token: mint already exists")
	ErrMintNotFound        = errors.New("token: mint not found")
	ErrAccountExists       = errors.New("token: token account already exists")
	ErrAccountNotFound     = errors.New("token: token account not found")
	ErrAccountNotEmpty     = errors.New("token: token account balance must be zero")
	ErrMintMismatch        = errors.New("token: token account mint mismatch")
	ErrUnauthorized        = errors.New("token: authority does not control this account")
	ErrAuthorityRenounced  = errors.New("token: authority has been renounced")
	ErrInsufficientBalance = errors.New("token: insufficient token balance")
	ErrInsufficientFunds   = errors.New("token: insufficient funds for storage reserve")
	ErrSupplyOverflow      = errors.New("token: supply overflow")
	ErrInvalidRole         = errors.New("token: invalid authority role")
)

// ErrorTag returns the stable receipt tag for a token error, or the empty
// string for errors outside the module.
func ErrorTag(err error) string {
	switch {
	case errors.Is(err, ErrMintExists):
		return "MintAlreadyExists"
	case errors.Is(err, ErrMintNotFound):
		return "MintNotFound"
	case errors.Is(err, ErrAccountExists):
		return "TokenAccountAlreadyExists"
	case errors.Is(err, ErrAccountNotFound):
		return "TokenAccountNotFound"
	case errors.Is(err, ErrAccountNotEmpty):
		return "TokenAccountNotEmpty"
	case errors.Is(err, ErrMintMismatch):
		return "ConstraintTokenMint"
	case errors.Is(err, ErrUnauthorized):
		return "ConstraintTokenOwner"
	case errors.Is(err, ErrAuthorityRenounced):
		return "AuthorityRenounced"
	case errors.Is(err, ErrInsufficientBalance):
		return "InsufficientTokenBalance"
	case errors.Is(err, ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ErrSupplyOverflow):
		return "SupplyOverflow"
	case errors.Is(err, ErrInvalidRole):
		return "InvalidAuthorityRole"
	default:
		return ""
	}
}
