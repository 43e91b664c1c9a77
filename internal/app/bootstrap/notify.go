package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/notify"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// BuildEmailSender picks the operator email transport. EMAIL_PROVIDER wins;
// otherwise SendGrid is used when keyed and the log-only stub when not.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) notify.EmailSender {
	logger = logging.OrDefault(logger)
	provider := strings.ToLower(strings.TrimSpace(cfg.EmailProvider))
	if provider == "" && strings.TrimSpace(cfg.SendGridAPIKey) != "" {
		provider = "sendgrid"
	}
	switch provider {
	case "ses":
		if strings.TrimSpace(cfg.SESFromEmail) == "" {
			logger.Warn("ses selected without SES_FROM_EMAIL, alerts will only be logged")
			return notify.NewStubEmailSender(logger)
		}
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail:        cfg.SESFromEmail,
			FromName:         cfg.SendGridFromName,
			ConfigurationSet: cfg.SESConfigSet,
		}, logger)
	case "sendgrid":
		if strings.TrimSpace(cfg.SendGridAPIKey) == "" {
			logger.Warn("sendgrid selected without SENDGRID_API_KEY, alerts will only be logged")
			return notify.NewStubEmailSender(logger)
		}
		return notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	default:
		return notify.NewStubEmailSender(logger)
	}
}

// BuildAlerter emails the OPERATOR_ALERT_EMAIL list, or drops alerts when
// unset.
func BuildAlerter(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) notify.Alerter {
	to := appconfig.SplitList(cfg.AlertEmail)
	if len(to) == 0 {
		logging.OrDefault(logger).Warn("operator alerts disabled: OPERATOR_ALERT_EMAIL not set")
		return notify.NopAlerter{}
	}
	return notify.NewEmailAlerter(BuildEmailSender(cfg, awsCfg, logger), to, logger)
}
