package external

import (
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"

	"bizjournal/internal/config"
	"bizjournal/internal/types"
)

// ClientRegistry holds the engine's external collaborators.
type ClientRegistry struct {
	Composer types.DigestComposer
	Mailer   types.Mailer
	// From is the sender identity applied to every outbound message.
	From types.SenderIdentity
}

// NewClientRegistry builds the Composer and Mailer selected by cfg.
//
// An empty COMPOSER_BASE_URL selects StaticComposer. EMAIL_PROVIDER picks
// SES (using awsCfg), SendGrid or LogMailer.
func NewClientRegistry(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &ClientRegistry{
		From: types.SenderIdentity{Address: cfg.Email.FromAddress, Name: cfg.Email.FromName},
	}

	if cfg.Composer.BaseURL == "" {
		logger.Info("composer base url not set; using static composer")
		reg.Composer = NewStaticComposer(logger.With("mode", "stub"))
	} else {
		reg.Composer = NewComposerClient(ComposerClientConfig{
			BaseURL: cfg.Composer.BaseURL,
			APIKey:  cfg.Composer.APIKey.Unmask(),
			Logger:  logger.With("client", "composer"),
		})
	}

	switch cfg.Email.Provider {
	case "ses":
		reg.Mailer = NewSESClient(awsCfg, SESClientConfig{
			ConfigSetName: cfg.Email.ConfigurationSet,
			Logger:        logger.With("client", "ses"),
		})
	case "sendgrid":
		reg.Mailer = NewSendGridClient(SendGridClientConfig{
			APIKey: cfg.Email.SendGridAPIKey.Unmask(),
			Logger: logger.With("client", "sendgrid"),
		})
	case "log":
		reg.Mailer = NewLogMailer(logger.With("mode", "stub"))
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Email.Provider)
	}

	logger.Info("external clients initialized",
		slog.String("email_provider", cfg.Email.Provider),
		slog.Bool("composer_stub", cfg.Composer.BaseURL == ""),
	)
	return reg, nil
}
