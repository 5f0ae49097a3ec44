package external

import (
	"bizjournal/internal/types"
)

// Compile-time assertions that every provider satisfies the engine's
// collaborator interfaces.
var (
	_ types.Mailer         = (*SESClient)(nil)
	_ types.Mailer         = (*SendGridClient)(nil)
	_ types.Mailer         = (*LogMailer)(nil)
	_ types.DigestComposer = (*ComposerClient)(nil)
	_ types.DigestComposer = (*StaticComposer)(nil)
)
