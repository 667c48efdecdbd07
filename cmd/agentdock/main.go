package main

import (
	"fmt"
	"os"
	"time"

	"github.com/agentdock/agentdock/common/crypto"
	"github.com/agentdock/agentdock/common/environment"
	"github.com/agentdock/agentdock/common/version"
	"github.com/agentdock/agentdock/internal/controller/app"
	"github.com/agentdock/agentdock/internal/controller/observability"
)

func main() {
	fmt.Printf("Agentdock Controller\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	observability.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
	)

	config := loadConfig()

	if config.ServiceSecret == "" {
		fmt.Fprintf(os.Stderr, "Warning: SERVICE_SECRET is not set; the API is unauthenticated\n")
	}

	// Load master encryption key when provided. Without it, sessions cannot
	// carry credentials but everything else works.
	if rawKey, ok := environment.String("MASTER_KEY"); ok {
		masterKey, err := crypto.ParseMasterKey(rawKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
			os.Exit(1)
		}
		config.MasterKey = masterKey
	}

	controller, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize controller: %v\n", err)
		os.Exit(1)
	}
	defer controller.Stop()

	if err := controller.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running controller: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from environment variables.
func loadConfig() *app.Config {
	return &app.Config{
		DatabasePath:  environment.StringOr("DATABASE_PATH", "./agentdock.db"),
		HTTPAddr:      environment.StringOr("HTTP_ADDR", ":8080"),
		ServiceSecret: environment.StringOr("SERVICE_SECRET", ""),
		DockerNetwork: environment.StringOr("DOCKER_NETWORK", ""),
		AgentImage:    environment.StringOr("AGENT_IMAGE", "ghcr.io/agentdock/agent:latest"),
		ProfilesPath:  environment.StringOr("PROFILES_PATH", ""),
		AutoProvision: environment.BoolOr("AUTO_PROVISION", true),
		IdleTimeout:   environment.DurationOr("IDLE_TIMEOUT", 15*time.Minute),
		SweepInterval: environment.DurationOr("SWEEP_INTERVAL", 60*time.Second),
	}
}
