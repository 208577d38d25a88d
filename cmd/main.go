package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	awsssooidc "github.com/aws/aws-sdk-go-v2/service/ssooidc"
	awssts "github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"qchat-gateway/handler"
	"qchat-gateway/internal/config"
	"qchat-gateway/internal/integrations/identitycenter"
	"qchat-gateway/internal/integrations/kmscrypt"
	"qchat-gateway/internal/integrations/oidc"
	"qchat-gateway/internal/integrations/paramstore"
	"qchat-gateway/internal/integrations/qbusiness"
	"qchat-gateway/internal/integrations/slack"
	"qchat-gateway/internal/repository"
	"qchat-gateway/internal/usecase"
)

type app struct {
	logger       *slog.Logger
	slack        *slack.Client
	sessions     *usecase.SessionManager
	chat         *usecase.ChatService
	interactions *usecase.InteractionService
}

func main() {
	root := newRootCommand()
	if len(os.Args) < 2 {
		if name := defaultCommand(root, os.Getenv); name != "" {
			root.SetArgs([]string{name})
		}
	}
	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// defaultCommand picks the subcommand for a bare invocation, as Lambda runs
// the binary without arguments. GATEWAY_FUNCTION wins; otherwise the
// subcommand whose name ends AWS_LAMBDA_FUNCTION_NAME is used.
func defaultCommand(root *cobra.Command, getenv func(string) string) string {
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	if fn := strings.ToLower(strings.TrimSpace(getenv("GATEWAY_FUNCTION"))); fn != "" {
		if names[fn] {
			return fn
		}
		return ""
	}
	fn := strings.ToLower(strings.TrimSpace(getenv("AWS_LAMBDA_FUNCTION_NAME")))
	if fn == "" {
		return ""
	}
	for name := range names {
		if fn == name || strings.HasSuffix(fn, "-"+name) || strings.HasSuffix(fn, "_"+name) {
			return name
		}
	}
	return ""
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "qchat-gateway",
		Short:         "Lambda functions bridging Slack and Amazon Q Business",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		lambdaCommand("callback", "Serve the OIDC sign-in callback", func(a *app) (any, error) {
			h, err := handler.NewCallbackHandler(a.sessions, a.logger)
			if err != nil {
				return nil, err
			}
			return h.Handle, nil
		}),
		lambdaCommand("events", "Serve Slack event callbacks", func(a *app) (any, error) {
			h, err := handler.NewEventsHandler(a.chat, a.slack, a.logger)
			if err != nil {
				return nil, err
			}
			return h.Handle, nil
		}),
		lambdaCommand("commands", "Serve Slack slash commands", func(a *app) (any, error) {
			h, err := handler.NewCommandHandler(a.interactions, a.slack, a.logger)
			if err != nil {
				return nil, err
			}
			return h.Handle, nil
		}),
		lambdaCommand("interactions", "Serve Slack block actions", func(a *app) (any, error) {
			h, err := handler.NewInteractionsHandler(a.interactions, a.slack, a.logger)
			if err != nil {
				return nil, err
			}
			return h.Handle, nil
		}),
	)
	return root
}

func lambdaCommand(use, short string, build func(*app) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			h, err := build(a)
			if err != nil {
				return err
			}
			lambda.Start(h)
			return nil
		},
	}
}

func newApp(ctx context.Context) (*app, error) {
	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		logger.Error("failed to load AWS config", "stage", "startup", "err", err)
		return nil, err
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	secrets, err := paramstore.NewSecrets(params)
	if err != nil {
		return nil, err
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), repository.Tables{
		State:    cfg.StateTable,
		Session:  cfg.SessionTable,
		Context:  cfg.CacheTable,
		Metadata: cfg.MetadataTable,
	})
	if err != nil {
		return nil, err
	}
	crypto, err := kmscrypt.New(awskms.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	broker, err := identitycenter.New(awsssooidc.NewFromConfig(awsCfg), awssts.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	slackClient, err := slack.NewClient(secrets, cfg.SlackSecretKey)
	if err != nil {
		return nil, err
	}
	qOpts := []qbusiness.Option{qbusiness.WithLogger(logger)}
	if cfg.QEndpoint != "" {
		qOpts = append(qOpts, qbusiness.WithEndpoint(cfg.QEndpoint))
	}
	q, err := qbusiness.New(awsCfg, cfg.QAppID, cfg.QRegion, qOpts...)
	if err != nil {
		return nil, err
	}

	// ---- Use cases ----
	sessions, err := usecase.NewSessionManager(oidc.NewClient(oidc.WithLogger(logger)), broker, store, crypto, secrets, usecase.SessionConfig{
		IdPName:            cfg.IdPName,
		IssuerURL:          cfg.IssuerURL,
		ClientID:           cfg.ClientID,
		ClientSecretParam:  cfg.ClientSecretParam,
		RedirectURL:        cfg.RedirectURL,
		KeyARN:             cfg.KeyARN,
		RoleARN:            cfg.RoleARN,
		BrokerClientID:     cfg.GatewayIdCApp,
		Region:             cfg.IdCRegion,
		ExpirySkew:         cfg.SessionExpirySkew,
		RetainRefreshToken: cfg.RetainRefreshToken,
	}, logger)
	if err != nil {
		return nil, err
	}
	chat, err := usecase.NewChatService(sessions, q, slackClient, store, usecase.ChatConfig{
		ContextTTL:     cfg.ContextTTL(),
		FlushThreshold: cfg.FlushThreshold,
	}, logger)
	if err != nil {
		return nil, err
	}
	interactions, err := usecase.NewInteractionService(sessions, q, slackClient, store, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		logger:       logger,
		slack:        slackClient,
		sessions:     sessions,
		chat:         chat,
		interactions: interactions,
	}, nil
}
