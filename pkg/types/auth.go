package types

// AuthResult is the terminal result of one authentication conversation.
// Values follow the PAM return code convention: 0 is success, everything
// else is a failure category. The greeter protocol carries these verbatim
// in END_AUTHENTICATION.
type AuthResult int

const (
	AuthSuccess        AuthResult = 0
	AuthFailed         AuthResult = 7  // PAM_AUTH_ERR
	AuthUserUnknown    AuthResult = 10 // PAM_USER_UNKNOWN
	AuthMaxTries       AuthResult = 11 // PAM_MAXTRIES
	AuthCancelled      AuthResult = 19 // PAM_CONV_ERR: conversation aborted
	AuthCredExpired    AuthResult = 27 // PAM_AUTHTOK_EXPIRED
	AuthSystemError    AuthResult = 4  // PAM_SYSTEM_ERR
	AuthPermissionDenied AuthResult = 6 // PAM_PERM_DENIED
)

// OK reports whether the result grants access.
func (r AuthResult) OK() bool { return r == AuthSuccess }

// PromptStyle distinguishes the four PAM conversation message styles.
// The numeric values are the PAM msg_style constants and travel on the
// wire in PROMPT_AUTHENTICATION.
type PromptStyle int

const (
	PromptSecret  PromptStyle = 1 // PAM_PROMPT_ECHO_OFF
	PromptEcho    PromptStyle = 2 // PAM_PROMPT_ECHO_ON
	PromptError   PromptStyle = 3 // PAM_ERROR_MSG
	PromptInfo    PromptStyle = 4 // PAM_TEXT_INFO
)

// IsQuestion reports whether the style expects a response from the user.
func (s PromptStyle) IsQuestion() bool { return s == PromptSecret || s == PromptEcho }

// Prompt is one message of a PAM conversation round.
type Prompt struct {
	Style PromptStyle
	Text  string
}
