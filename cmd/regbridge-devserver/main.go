package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/regassist/regbridge/internal/devserver"
	"github.com/regassist/regbridge/internal/telemetry"
)

func main() {
	tokensFlag := flag.String("tokens", "", "comma-separated accepted bearer tokens (overrides AUTH_TOKENS env var)")
	flag.Parse()

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	tokens := *tokensFlag
	if tokens == "" {
		tokens = os.Getenv("AUTH_TOKENS")
	}
	var authTokens []string
	if tokens != "" {
		authTokens = strings.Split(tokens, ",")
	}

	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, "regbridge-devserver")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(ctx) }()

	h := devserver.NewServer(devserver.Config{
		AuthTokens: authTokens,
		Responder:  devserver.NewResponderFromEnv(),
		Faults:     devserver.NewFaultScript(),
	})

	log.Printf("regbridge-devserver listening on %s", addr)
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal(err)
	}
}
