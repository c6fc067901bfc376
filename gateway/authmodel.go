package gateway

import "strings"

// AuthModel is the closed set of follow-up steps a charge can demand.
type AuthModel int

const (
	AuthModelUnknown AuthModel = iota
	AuthModelNone
	AuthModelPIN
	AuthModelOTP
	AuthModelRedirect
)

func (m AuthModel) String() string {
	switch m {
	case AuthModelNone:
		return "none"
	case AuthModelPIN:
		return "pin"
	case AuthModelOTP:
		return "otp"
	case AuthModelRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// ParseAuthModel decodes the loosely typed charge response fields once.
// Unrecognized combinations are AuthModelUnknown; callers must not guess.
func ParseAuthModel(authModel, mode, redirectURL string) AuthModel {
	am := strings.ToUpper(strings.TrimSpace(authModel))
	mode = strings.ToLower(strings.TrimSpace(mode))

	switch {
	case am == "PIN" || mode == "pin":
		return AuthModelPIN
	case am == "OTP" || mode == "otp":
		return AuthModelOTP
	case redirectURL != "":
		return AuthModelRedirect
	case am == "NOAUTH":
		return AuthModelNone
	default:
		return AuthModelUnknown
	}
}
