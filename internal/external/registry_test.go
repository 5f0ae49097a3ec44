package external

import (
	"log/slog"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"

	"bizjournal/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func registryConfig(provider, composerURL string) *config.Config {
	return &config.Config{
		Environment: "local",
		Email: config.EmailConfig{
			Provider:       provider,
			SendGridAPIKey: "SG.key",
			FromAddress:    "digest@bizjournal.app",
			FromName:       "BizJournal",
		},
		Composer: config.ComposerConfig{BaseURL: composerURL, APIKey: "ck"},
	}
}

func TestNewClientRegistry_Providers(t *testing.T) {
	tests := []struct {
		provider string
		check    func(t *testing.T, reg *ClientRegistry)
	}{
		{"log", func(t *testing.T, reg *ClientRegistry) {
			if _, ok := reg.Mailer.(*LogMailer); !ok {
				t.Errorf("Mailer is %T, want *LogMailer", reg.Mailer)
			}
		}},
		{"sendgrid", func(t *testing.T, reg *ClientRegistry) {
			if _, ok := reg.Mailer.(*SendGridClient); !ok {
				t.Errorf("Mailer is %T, want *SendGridClient", reg.Mailer)
			}
		}},
		{"ses", func(t *testing.T, reg *ClientRegistry) {
			if _, ok := reg.Mailer.(*SESClient); !ok {
				t.Errorf("Mailer is %T, want *SESClient", reg.Mailer)
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.provider, func(t *testing.T) {
			reg, err := NewClientRegistry(registryConfig(tc.provider, ""), aws.Config{Region: "us-east-1"}, testLogger())
			if err != nil {
				t.Fatalf("NewClientRegistry: %v", err)
			}
			tc.check(t, reg)
			if reg.From.Address != "digest@bizjournal.app" || reg.From.Name != "BizJournal" {
				t.Errorf("From = %+v", reg.From)
			}
		})
	}
}

func TestNewClientRegistry_ComposerSelection(t *testing.T) {
	reg, err := NewClientRegistry(registryConfig("log", ""), aws.Config{}, nil)
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	if _, ok := reg.Composer.(*StaticComposer); !ok {
		t.Errorf("Composer is %T, want *StaticComposer", reg.Composer)
	}

	reg, err = NewClientRegistry(registryConfig("log", "https://composer.internal"), aws.Config{}, nil)
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	cc, ok := reg.Composer.(*ComposerClient)
	if !ok {
		t.Fatalf("Composer is %T, want *ComposerClient", reg.Composer)
	}
	if cc.baseURL != "https://composer.internal" || cc.apiKey != "ck" {
		t.Errorf("composer client = %q / %q", cc.baseURL, cc.apiKey)
	}
}

func TestNewClientRegistry_UnknownProvider(t *testing.T) {
	if _, err := NewClientRegistry(registryConfig("pigeon", ""), aws.Config{}, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
