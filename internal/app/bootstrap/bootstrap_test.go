package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/messaging"
	"github.com/wolfman30/wa-lead-router/internal/notify"
	"github.com/wolfman30/wa-lead-router/internal/qualification"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

func TestBuildRedisClient(t *testing.T) {
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{}, logging.Discard(), true))

	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.Discard(), true)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	mr.Close()
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.Discard(), true))
}

func TestConnectPostgresRequiresURL(t *testing.T) {
	_, err := ConnectPostgres(context.Background(), "  ", logging.Discard())
	assert.ErrorIs(t, err, appconfig.ErrMissingSetting)
}

func TestSettingsPreferEnvironment(t *testing.T) {
	t.Setenv(messaging.IdentityRelay, "")
	t.Setenv(messaging.IdentityCustomer, "from-env")
	s := Settings(&appconfig.Config{GatewayToken: "from-config", RelayGatewayToken: "relay-config"})

	v, ok := s.Lookup(messaging.IdentityCustomer)
	assert.True(t, ok)
	assert.Equal(t, "from-env", v)

	v, ok = s.Lookup(messaging.IdentityRelay)
	assert.True(t, ok)
	assert.Equal(t, "relay-config", v)
}

func TestBuildLLMClientProviders(t *testing.T) {
	ctx := context.Background()

	client, err := BuildLLMClient(ctx, &appconfig.Config{QualificationProvider: ProviderHeuristic}, aws.Config{}, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, client)

	_, err = BuildLLMClient(ctx, &appconfig.Config{QualificationProvider: "oracle"}, aws.Config{}, logging.Discard())
	assert.Error(t, err)

	_, err = BuildLLMClient(ctx, &appconfig.Config{QualificationProvider: ProviderBedrock}, aws.Config{}, logging.Discard())
	assert.ErrorIs(t, err, appconfig.ErrMissingSetting)

	client, err = BuildLLMClient(ctx, &appconfig.Config{QualificationProvider: ProviderOpenAI, OpenAIAPIKey: "sk-test"}, aws.Config{}, logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestBuildEvaluator(t *testing.T) {
	ev := BuildEvaluator(&appconfig.Config{QualificationKeywords: []string{"orçamento"}}, nil, logging.Discard())
	_, heuristic := ev.(*qualification.HeuristicEvaluator)
	assert.True(t, heuristic)
}

func TestBuildAlerter(t *testing.T) {
	alerter := BuildAlerter(&appconfig.Config{}, aws.Config{}, logging.Discard())
	assert.IsType(t, notify.NopAlerter{}, alerter)

	alerter = BuildAlerter(&appconfig.Config{AlertEmail: "ops@example.com, manager@example.com"}, aws.Config{}, logging.Discard())
	assert.IsType(t, &notify.EmailAlerter{}, alerter)
}

func TestBuildEmailSender(t *testing.T) {
	assert.IsType(t, &notify.StubEmailSender{}, BuildEmailSender(&appconfig.Config{}, aws.Config{}, logging.Discard()))
	assert.IsType(t, &notify.SendGridSender{}, BuildEmailSender(&appconfig.Config{SendGridAPIKey: "SG.x"}, aws.Config{}, logging.Discard()))
	assert.IsType(t, &notify.StubEmailSender{}, BuildEmailSender(&appconfig.Config{EmailProvider: "sendgrid"}, aws.Config{}, logging.Discard()))
	assert.IsType(t, &notify.StubEmailSender{}, BuildEmailSender(&appconfig.Config{EmailProvider: "ses"}, aws.Config{}, logging.Discard()))
	assert.IsType(t, &notify.SESSender{}, BuildEmailSender(&appconfig.Config{EmailProvider: "ses", SESFromEmail: "a@b.c"}, aws.Config{Region: "sa-east-1"}, logging.Discard()))
}
