package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"duet-agent/handler"
	"duet-agent/internal/integrations/groq"
	"duet-agent/internal/integrations/paramstore"
	"duet-agent/internal/repository"
	"duet-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	userA := mustEnv("USER_A")
	userB := mustEnv("USER_B")
	cooldown := time.Duration(envInt("COOLDOWN_SECONDS", 30)) * time.Second

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	var groqOpts []groq.Option
	if baseURL := os.Getenv("GROQ_BASE_URL"); baseURL != "" {
		groqOpts = append(groqOpts, groq.WithBaseURL(baseURL))
	}
	groqClient, err := groq.NewClient(ssmClient, paramPrefix, groqOpts...)
	if err != nil {
		slog.Error("failed to create Groq client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	conversations, err := usecase.NewConversationService(stateClient, userA, userB, nil)
	if err != nil {
		slog.Error("failed to create conversation service", "err", err)
		os.Exit(1)
	}
	generator, err := usecase.NewGenerateService(groqClient, stateClient, ssmClient, paramPrefix, cooldown)
	if err != nil {
		slog.Error("failed to create generate service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(conversations, generator)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
